package confirm

import "strings"

// fieldLabels maps field names to display labels: the tag's first label,
// else its first value, else its name with dashes and underscores as spaces.
func fieldLabels(tags []FormTag) map[string]string {
	labels := make(map[string]string, len(tags))
	for _, tag := range tags {
		if tag.Name == "" {
			continue
		}
		switch {
		case len(tag.Labels) > 0 && tag.Labels[0] != "":
			labels[tag.Name] = tag.Labels[0]
		case len(tag.Values) > 0 && tag.Values[0] != "":
			labels[tag.Name] = tag.Values[0]
		default:
			labels[tag.Name] = strings.NewReplacer("-", " ", "_", " ").Replace(tag.Name)
		}
	}
	return labels
}
