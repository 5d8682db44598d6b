package flow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"autoforge/internal/state"
)

// pendingFeedbackMetadataKey persists the parked FeedbackRequest into
// ProjectState.Metadata so a resumed process (a fresh `autoforge resume`
// invocation, reading state.json rather than reusing the in-memory Flow
// that suspended) can reconstruct it rather than losing it to Flow.Request
// being unexported, in-memory-only state.
const pendingFeedbackMetadataKey = "_pending_feedback_request"

// suspend parks the run in AWAITING_HUMAN, emitting the structured
// FeedbackRequest described in spec §4.6/§6: `(question, context snapshot,
// allowed options, optional timeout, default action)`.
func (f *Flow) suspend(from state.Phase, question string, options []string, defaultAction string) error {
	req := &state.FeedbackRequest{
		ID:            uuid.NewString(),
		Question:      question,
		Options:       options,
		ContextDigest: f.contextDigest(),
		DefaultAction: defaultAction,
		SuspendedFrom: from,
	}
	if f.Options.FeedbackTimeout > 0 {
		deadline := time.Now().Add(f.Options.FeedbackTimeout)
		req.Deadline = &deadline
	}
	f.Request = req
	if err := f.State.AdvancePhase(state.PhaseAwaitingHuman, "suspended: "+question); err != nil {
		return err
	}
	encoded, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("flow: marshal pending feedback request: %w", err)
	}
	f.State.SetMetadata(pendingFeedbackMetadataKey, string(encoded))
	return nil
}

// RestorePendingRequest reconstructs a parked FeedbackRequest from the
// snapshot's persisted metadata, for a Flow built against a ProjectState
// just loaded from disk (spec §6 "restart reads the last snapshot and
// resumes from the last successful phase boundary", which for a suspended
// run means recovering the very request a human is meant to answer).
// A no-op if the state isn't parked or carries no such metadata.
func (f *Flow) RestorePendingRequest() error {
	if f.State.Phase != state.PhaseAwaitingHuman {
		return nil
	}
	raw, ok := f.State.Snapshot().Metadata[pendingFeedbackMetadataKey]
	if !ok || raw == "" {
		return nil
	}
	var req state.FeedbackRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return fmt.Errorf("flow: restore pending feedback request: %w", err)
	}
	f.Request = &req
	return nil
}

// contextDigest is a compact, human-checkable summary of the state at
// suspension time; a full snapshot is already on disk at state.json, so
// this need only let an operator sanity-check which run/phase/files they
// are responding about (spec §6 FeedbackRequest "context_digest").
func (f *Flow) contextDigest() string {
	snap := f.State.Snapshot()
	return fmt.Sprintf("project=%s phase=%s files=%d retries=%v",
		snap.ProjectID, snap.Phase, len(snap.Files), snap.Retries)
}

// AwaitRequest returns the currently parked FeedbackRequest, satisfying
// spec §6's `await_request() -> FeedbackRequest` external interface. The
// second return is false when the Flow isn't parked.
func (f *Flow) AwaitRequest() (state.FeedbackRequest, bool) {
	if f.Request == nil {
		return state.FeedbackRequest{}, false
	}
	return *f.Request, true
}

// Resume implements spec §6's `submit_response(request_id, response)`:
// it validates the response against the pending request, attaches the
// parsed FeedbackResponse to state metadata, and routes back to the
// suspended phase as if that phase's attempt had produced it (spec §4.6
// "routing proceeds as if produced by the paused phase").
//
// Resume only performs the transition; the caller must call Run again
// (or rely on its own driver loop) to actually re-execute the resumed
// phase.
func (f *Flow) Resume(resp state.FeedbackResponse) error {
	if f.Request == nil {
		return fmt.Errorf("flow: no pending feedback request")
	}
	if resp.RequestID != f.Request.ID {
		return fmt.Errorf("flow: response request id %q does not match pending request %q", resp.RequestID, f.Request.ID)
	}
	if f.State.Phase != state.PhaseAwaitingHuman {
		return fmt.Errorf("flow: not awaiting human feedback (phase is %s)", f.State.Phase)
	}

	suspendedFrom := f.Request.SuspendedFrom
	f.State.SetMetadata("feedback_response:"+resp.RequestID, renderFeedbackResponse(resp))
	f.State.SetMetadata(pendingFeedbackMetadataKey, "")
	f.setFeedback(suspendedFrom, []string{renderFeedbackResponse(resp)})
	f.Request = nil

	if err := f.State.AdvancePhase(suspendedFrom, "resumed by human feedback: "+resp.Selected); err != nil {
		return err
	}
	return f.persistAfterTransition()
}

// CheckTimeout applies the pending request's default action if its
// deadline has passed and no response has arrived (spec §6 "on timeout
// the default action is taken"). It reports whether a timeout resume
// occurred.
func (f *Flow) CheckTimeout(now time.Time) (bool, error) {
	if f.Request == nil || f.Request.Deadline == nil {
		return false, nil
	}
	if now.Before(*f.Request.Deadline) {
		return false, nil
	}
	resp := state.FeedbackResponse{
		RequestID: f.Request.ID,
		Selected:  f.Request.DefaultAction,
		TimedOut:  true,
	}
	if err := f.Resume(resp); err != nil {
		return false, err
	}
	return true, nil
}

func renderFeedbackResponse(resp state.FeedbackResponse) string {
	if resp.TimedOut {
		return fmt.Sprintf("timed out, default action %q applied", resp.Selected)
	}
	s := "selected=" + resp.Selected
	for k, v := range resp.Fields {
		s += fmt.Sprintf(" %s=%s", k, v)
	}
	return s
}
