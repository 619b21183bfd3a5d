package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cf7me/confirmflow/pkg/db"
	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var formsCmd = &cobra.Command{
	Use:   "forms",
	Short: "Manage forms and their confirmation settings",
}

var formsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all forms",
	RunE:  runFormsList,
}

var formsSetCmd = &cobra.Command{
	Use:   "set <file>",
	Short: "Create or update a form from a YAML or JSON definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runFormsSet,
}

var formsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a form",
	Args:  cobra.ExactArgs(1),
	RunE:  runFormsDelete,
}

func init() {
	formsCmd.AddCommand(formsListCmd, formsSetCmd, formsDeleteCmd)
	rootCmd.AddCommand(formsCmd)
}

// formDefinition is the on-disk shape of a form. YAML is a superset of
// JSON, so both parse with the YAML decoder.
type formDefinition struct {
	ID             int64  `yaml:"id"`
	Title          string `yaml:"title"`
	Slug           string `yaml:"slug"`
	ConfirmEnabled bool   `yaml:"confirm"`
	ThanksURL      string `yaml:"thanks_url"`
	Fields         []struct {
		Name     string   `yaml:"name"`
		Type     string   `yaml:"type"`
		Label    string   `yaml:"label"`
		Required bool     `yaml:"required"`
		Values   []string `yaml:"values"`
		Multiple bool     `yaml:"multiple"`
	} `yaml:"fields"`
	Mail struct {
		Recipient string `yaml:"recipient"`
		Subject   string `yaml:"subject"`
		Body      string `yaml:"body"`
	} `yaml:"mail"`
}

func (d formDefinition) form() *db.Form {
	f := &db.Form{
		ID:             d.ID,
		Title:          d.Title,
		Slug:           d.Slug,
		ConfirmEnabled: d.ConfirmEnabled,
		ThanksURL:      d.ThanksURL,
		Mail: db.MailTemplate{
			Recipient: d.Mail.Recipient,
			Subject:   d.Mail.Subject,
			Body:      d.Mail.Body,
		},
	}
	for _, fd := range d.Fields {
		f.Fields = append(f.Fields, db.FormField{
			Name:     fd.Name,
			Type:     fd.Type,
			Label:    fd.Label,
			Required: fd.Required,
			Values:   fd.Values,
			Multiple: fd.Multiple,
		})
	}
	return f
}

func loadFormDefinition(path string) (*db.Form, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read form definition")
	}
	var def formDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("failed to parse %s", filepath.Base(path)))
	}
	if strings.TrimSpace(def.Title) == "" {
		return nil, errors.New("form title is required")
	}
	return def.form(), nil
}

func runFormsList(cmd *cobra.Command, args []string) error {
	_, repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	forms, err := repo.ListForms(context.Background())
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(forms) == 0 {
		fmt.Println("No forms found")
		return nil
	}

	fmt.Printf("%-6s %-30s %-20s %-8s %-40s\n", "ID", "TITLE", "SLUG", "CONFIRM", "THANKS URL")
	fmt.Println("------------------------------------------------------------------------------------------------------------")

	for _, f := range forms {
		confirm := "no"
		if f.ConfirmEnabled {
			confirm = "yes"
		}
		thanks := f.ThanksURL
		if thanks == "" {
			thanks = "-"
		}
		fmt.Printf("%-6d %-30s %-20s %-8s %-40s\n", f.ID, f.Title, f.Slug, confirm, thanks)
	}

	return nil
}

func runFormsSet(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	form, err := loadFormDefinition(args[0])
	if err != nil {
		return err
	}

	_, repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.SaveForm(ctx, form); err != nil {
		return errors.Wrap(err, "save failed")
	}

	fmt.Printf("Saved form %d (%s)\n", form.ID, form.Slug)
	if form.ConfirmEnabled {
		fmt.Printf("Confirmation page: /%s%s/\n", db.ConfirmPagePrefix, form.Slug)
	}
	return nil
}

func runFormsDelete(cmd *cobra.Command, args []string) error {
	var id int64
	if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil || id <= 0 {
		return fmt.Errorf("invalid form id %q", args[0])
	}

	_, repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.DeleteForm(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("Deleted form %d\n", id)
	return nil
}
