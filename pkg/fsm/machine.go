// Package fsm implements the commit workflow of a reviewed submission on the
// superfly/fsm library: replay through the host, consume the staged record,
// hand the host's verdict back to the waiting request.
package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cf7me/confirmflow/pkg/confirm"
	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/cf7me/confirmflow/pkg/session"
	"github.com/google/uuid"
	"github.com/superfly/fsm"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	host       confirm.Host
	store      session.Store
	files      confirm.AttachmentRemover
	maxRetries int

	mu      sync.Mutex
	results map[string]CommitResponse

	manager *fsm.Manager
	start   fsm.Start[CommitRequest, CommitResponse]
}

// NewMachine creates a new FSM machine with dependencies. files may be nil.
func NewMachine(host confirm.Host, store session.Store, files confirm.AttachmentRemover, maxRetries int) *Machine {
	return &Machine{
		host:       host,
		store:      store,
		files:      files,
		maxRetries: maxRetries,
		results:    make(map[string]CommitResponse),
	}
}

// Register registers the commit FSM and makes the machine usable as a
// confirm.Committer.
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Resume, error) {
	start, resume, err := fsm.Register[CommitRequest, CommitResponse](manager, "confirm-commit").
		Start(StateReplay, m.handleReplay).
		To(StateConsume, m.handleConsume).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, errors.Wrap(err, "failed to register FSM")
	}

	m.start = start
	m.manager = manager
	return resume, nil
}

// Commit implements confirm.Committer by running the workflow and waiting
// for it to finish.
func (m *Machine) Commit(ctx context.Context, c confirm.Commit) (confirm.HostResult, error) {
	if m.start == nil {
		return confirm.HostResult{}, errors.New("commit machine is not registered")
	}

	req := &CommitRequest{
		RunID:      uuid.NewString(),
		SessionID:  c.SessionID,
		Key:        c.Key,
		Submission: c.Submission,
	}
	resp := &CommitResponse{}

	version, err := m.start(ctx, req.RunID, fsm.NewRequest(req, resp))
	if err != nil {
		slog.Error("fsm_start_failed", "run_id", req.RunID, "error", err)
		m.consume(ctx, req)
		return confirm.HostResult{}, fmt.Errorf("%w: %v", confirm.ErrDispatchFailed, err)
	}

	slog.Info("fsm_started", "run_id", req.RunID, "version", version)

	waitErr := m.manager.Wait(ctx, version)
	result, ok := m.takeResult(req.RunID)
	if waitErr == nil && result.ErrorMessage != "" {
		waitErr = errors.New(result.ErrorMessage)
	}
	if waitErr != nil || !ok {
		if waitErr == nil {
			waitErr = errors.New("workflow finished without a result")
		}
		slog.Error("fsm_commit_failed", "run_id", req.RunID, "error", waitErr)
		// The workflow may have stopped before its consume step.
		m.consume(ctx, req)
		return confirm.HostResult{Status: result.Status, Message: result.Message}, fmt.Errorf("%w: %v", confirm.ErrDispatchFailed, waitErr)
	}

	return confirm.HostResult{Status: result.Status, Message: result.Message, Invalid: result.Invalid}, nil
}

func (m *Machine) storeResult(runID string, resp CommitResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[runID] = resp
}

func (m *Machine) takeResult(runID string) (CommitResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.results[runID]
	delete(m.results, runID)
	return resp, ok
}

// consume removes the staged record and its files. Deleting twice is harmless.
func (m *Machine) consume(ctx context.Context, req *CommitRequest) error {
	confirm.RemoveAttachments(ctx, m.files, req.Submission.UploadedFiles)
	if err := m.store.Delete(ctx, req.SessionID, req.Key); err != nil {
		slog.Error("fsm_consume_failed", "run_id", req.RunID, "session", session.ShortID(req.SessionID), "error", err)
		return errors.Wrap(err, "failed to consume staged submission")
	}
	return nil
}
