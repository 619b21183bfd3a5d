package confirm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/cf7me/confirmflow/pkg/session"
)

// Commit is one replay of a staged submission.
type Commit struct {
	SessionID  string
	Key        string
	Submission HostSubmission
}

// Committer replays a staged submission through the host and consumes the
// staged record. The record must be gone when Commit returns, whatever the
// host said.
type Committer interface {
	Commit(ctx context.Context, c Commit) (HostResult, error)
}

// AttachmentRemover deletes stored uploads once their submission is done.
type AttachmentRemover interface {
	Delete(ctx context.Context, ref session.FileRef) error
}

// RemoveAttachments deletes every file of a consumed submission. Failures
// are logged; an orphaned object never blocks the visitor.
func RemoveAttachments(ctx context.Context, files AttachmentRemover, refs map[string]session.FileRef) {
	if files == nil {
		return
	}
	for field, ref := range refs {
		if ref.Key == "" {
			continue
		}
		if err := files.Delete(ctx, ref); err != nil {
			slog.Warn("confirm_attachment_orphaned", "field", field, "key", ref.Key, "error", err)
		}
	}
}

// ReplayCommitter commits inline on the request goroutine.
type ReplayCommitter struct {
	host  Host
	store session.Store
	files AttachmentRemover
}

// NewReplayCommitter creates a ReplayCommitter. files may be nil.
func NewReplayCommitter(host Host, store session.Store, files AttachmentRemover) *ReplayCommitter {
	return &ReplayCommitter{host: host, store: store, files: files}
}

// Commit implements Committer.
func (c *ReplayCommitter) Commit(ctx context.Context, cm Commit) (HostResult, error) {
	result, submitErr := c.host.Submit(WithInterceptionSuppressed(ctx), cm.Submission)

	RemoveAttachments(ctx, c.files, cm.Submission.UploadedFiles)
	if err := c.store.Delete(ctx, cm.SessionID, cm.Key); err != nil {
		slog.Error("confirm_consume_failed", "session", session.ShortID(cm.SessionID), "error", err)
		if submitErr == nil {
			return result, errors.Wrap(err, "failed to consume staged submission")
		}
	}

	if submitErr != nil {
		slog.Error("confirm_replay_failed", "form_id", cm.Submission.FormID, "error", submitErr)
		return result, fmt.Errorf("%w: %v", ErrDispatchFailed, submitErr)
	}
	return result, nil
}
