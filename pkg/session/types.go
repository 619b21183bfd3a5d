// Package session stages submissions between the interception request and the
// finalize request. Entries are scoped to a visitor session and keyed by an
// unguessable token; a session never sees another session's entries.
package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cf7me/confirmflow/pkg/errors"
)

// Field is one posted field. Multiple marks list-valued fields such as
// checkbox groups, whose values are joined for display.
type Field struct {
	Name     string   `json:"name"`
	Values   []string `json:"values"`
	Multiple bool     `json:"multiple,omitempty"`
}

// Display renders the field value the way the confirmation table shows it.
func (f Field) Display() string {
	if f.Multiple {
		return strings.Join(f.Values, ", ")
	}
	if len(f.Values) == 0 {
		return ""
	}
	return f.Values[0]
}

// Internal reports whether the field is a routing field that is never displayed.
func (f Field) Internal() bool {
	return strings.HasPrefix(f.Name, "_")
}

// PostedData holds fields in submission order.
type PostedData []Field

// Get returns the field with the given name.
func (p PostedData) Get(name string) (Field, bool) {
	for _, f := range p {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Value returns the display value of a field, or "" when absent.
func (p PostedData) Value(name string) string {
	f, _ := p.Get(name)
	return f.Display()
}

// Clone returns a deep copy.
func (p PostedData) Clone() PostedData {
	if p == nil {
		return nil
	}
	out := make(PostedData, len(p))
	for i, f := range p {
		out[i] = Field{Name: f.Name, Values: append([]string(nil), f.Values...), Multiple: f.Multiple}
	}
	return out
}

// FileRef describes an uploaded file kept aside while the submission is under review.
type FileRef struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256,omitempty"`
	Bucket      string `json:"bucket,omitempty"`
	Key         string `json:"key,omitempty"`
}

// StagedSubmission is one in-flight confirmation.
type StagedSubmission struct {
	Token         string             `json:"token"`
	FormID        int64              `json:"form_id"`
	FormSlug      string             `json:"form_slug"`
	PostedData    PostedData         `json:"posted_data"`
	UploadedFiles map[string]FileRef `json:"uploaded_files,omitempty"`
	OriginURL     string             `json:"origin_url"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Store is the per-visitor key-value store. Get returns (nil, nil) for a
// missing or expired entry. List returns entries oldest first.
type Store interface {
	Put(ctx context.Context, sessionID, key string, sub *StagedSubmission) error
	Get(ctx context.Context, sessionID, key string) (*StagedSubmission, error)
	List(ctx context.Context, sessionID string) ([]*StagedSubmission, error)
	Delete(ctx context.Context, sessionID, key string) error
	Close() error
}

// Reaper is implemented by stores that need explicit removal of expired entries.
type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

// DiscardFunc is told about entries a store drops on its own, through
// eviction or reaping, so what they reference can be released.
type DiscardFunc func(ctx context.Context, sub *StagedSubmission)

// Discarder is implemented by stores that report the entries they drop.
type Discarder interface {
	OnDiscard(fn DiscardFunc)
}

func (fn DiscardFunc) notify(ctx context.Context, subs []*StagedSubmission) {
	if fn == nil {
		return
	}
	for _, sub := range subs {
		fn(ctx, sub)
	}
}

// Limits bounds what a single session may hold. Zero values disable a limit.
type Limits struct {
	MaxAge     time.Duration
	MaxEntries int
}

// DefaultLimits keeps a day of staged submissions, twenty per session.
var DefaultLimits = Limits{MaxAge: 24 * time.Hour, MaxEntries: 20}

func (l Limits) expired(sub *StagedSubmission, now time.Time) bool {
	if l.MaxAge <= 0 || sub.CreatedAt.IsZero() {
		return false
	}
	return now.Sub(sub.CreatedAt) > l.MaxAge
}

func encode(sub *StagedSubmission) ([]byte, error) {
	data, err := json.Marshal(sub)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode staged submission")
	}
	return data, nil
}

func decode(data []byte) (*StagedSubmission, error) {
	var sub StagedSubmission
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, errors.Wrap(err, "failed to decode staged submission")
	}
	return &sub, nil
}

func validateKeys(sessionID, key string) error {
	if sessionID == "" {
		return errors.New("session id cannot be empty")
	}
	if key == "" {
		return errors.New("staging key cannot be empty")
	}
	return nil
}
