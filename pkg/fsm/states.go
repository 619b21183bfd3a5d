package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cf7me/confirmflow/pkg/confirm"
	"github.com/cf7me/confirmflow/pkg/session"
	"github.com/superfly/fsm"
)

// handleReplay sends the staged submission through the host with
// interception suppressed. It never retries: mail goes out at most once.
func (m *Machine) handleReplay(ctx context.Context, req *fsm.Request[CommitRequest, CommitResponse]) (*fsm.Response[CommitResponse], error) {
	slog.Info("fsm_state_replay", "run_id", req.Msg.RunID, "form_id", req.Msg.Submission.FormID)

	if retryCount := fsm.RetryFromContext(ctx); retryCount > 0 {
		slog.Error("fsm_replay_retry_refused", "run_id", req.Msg.RunID, "retry", retryCount)
		m.consume(ctx, req.Msg)
		return nil, fsm.Abort(fmt.Errorf("replay of run %s already attempted", req.Msg.RunID))
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &CommitResponse{}
	}

	result, err := m.host.Submit(confirm.WithInterceptionSuppressed(ctx), req.Msg.Submission)
	if err != nil {
		slog.Error("fsm_replay_failed", "run_id", req.Msg.RunID, "error", err)
		resp.ErrorMessage = err.Error()
		m.storeResult(req.Msg.RunID, *resp)
		m.consume(ctx, req.Msg)
		return nil, fsm.Abort(fmt.Errorf("%w: %v", confirm.ErrDispatchFailed, err))
	}

	resp.Status = result.Status
	resp.Message = result.Message
	resp.Invalid = result.Invalid

	slog.Info("fsm_replay_complete", "run_id", req.Msg.RunID, "status", result.Status)
	return fsm.NewResponse(resp), nil
}

// handleConsume deletes the staged record. Failures are retried.
func (m *Machine) handleConsume(ctx context.Context, req *fsm.Request[CommitRequest, CommitResponse]) (*fsm.Response[CommitResponse], error) {
	slog.Info("fsm_state_consume", "run_id", req.Msg.RunID, "session", session.ShortID(req.Msg.SessionID))

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "run_id", req.Msg.RunID, "max_retries", m.maxRetries)
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if err := m.consume(ctx, req.Msg); err != nil {
		return nil, err
	}
	resp.Consumed = true

	return fsm.NewResponse(resp), nil
}

// handleComplete publishes the verdict to the waiting request.
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[CommitRequest, CommitResponse]) (*fsm.Response[CommitResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	m.storeResult(req.Msg.RunID, *resp)
	slog.Info("fsm_state_complete", "run_id", req.Msg.RunID, "status", resp.Status, "consumed", resp.Consumed)

	return fsm.NewResponse(resp), nil
}
