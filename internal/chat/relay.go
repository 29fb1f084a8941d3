package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/zennooo/blue-orca-ai/internal/ai"
)

// FragmentSink receives live stream fragments, typically an HTTP response
// flushed chunk by chunk. A write error means the client is gone.
type FragmentSink interface {
	WriteFragment(fragment string) error
}

// FragmentSinkFunc adapts a function to FragmentSink.
type FragmentSinkFunc func(fragment string) error

func (f FragmentSinkFunc) WriteFragment(fragment string) error { return f(fragment) }

// tee forwards every fragment to the live sink while accumulating the full
// reply for the final commit. After the first sink failure it keeps
// accumulating but stops writing, so the stored reply covers everything the
// provider produced up to cancellation.
type tee struct {
	sink    FragmentSink
	acc     strings.Builder
	sinkErr error
}

func (t *tee) Forward(fragment string) {
	t.acc.WriteString(fragment)
	if t.sinkErr == nil {
		t.sinkErr = t.sink.WriteFragment(fragment)
	}
}

func (t *tee) SinkFailed() bool { return t.sinkErr != nil }

func (t *tee) Accumulated() string { return t.acc.String() }

// RelayResult reports one finished relay turn.
type RelayResult struct {
	UserMessageID      uint64
	AssistantMessageID uint64
	Reply              string
	// UpstreamErr is set when the provider failed mid-stream. The fragments
	// received before the failure were still forwarded and committed.
	UpstreamErr error
	// SinkErr is set when the client connection dropped mid-stream.
	SinkErr error
}

// Relay runs one chat turn end to end: store the user message, replay the
// session history to the provider, forward each fragment to sink while
// accumulating it, and commit the accumulated text as the assistant message
// once the stream ends — normally or not.
//
// ErrSessionNotFound / ErrSessionForbidden are returned before anything is
// written to sink. After streaming has begun the only error returned is
// ErrCommitFailed; upstream and sink failures are reported in the result.
func (s *Service) Relay(ctx context.Context, userID uint64, sessionID, content string, sink FragmentSink) (*RelayResult, error) {
	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	provider, err := s.providerForSession(ctx, sess)
	if err != nil {
		return nil, err
	}
	sp, ok := provider.(ai.StreamProvider)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	userMsg := &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleUser,
		Content:   content,
	}
	if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	// History must be loaded after the insert so the provider sees the turn
	// just submitted.
	history, err := s.loadHistory(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	// A derived context lets us stop the provider once the client is gone
	// without abandoning the commit.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := sp.StreamChat(streamCtx, history)

	t := &tee{sink: sink}
	for frag := range chunks {
		t.Forward(frag)
		if t.SinkFailed() {
			// client disconnected: stop the provider, drain what is
			// already buffered into the accumulator
			cancel()
		}
	}

	var upstreamErr error
	select {
	case e := <-errs:
		upstreamErr = e
	default:
	}
	if t.SinkFailed() && errors.Is(upstreamErr, context.Canceled) {
		// our own cancellation, not a provider failure
		upstreamErr = nil
	}

	res := &RelayResult{
		UserMessageID: userMsg.ID,
		Reply:         t.Accumulated(),
		UpstreamErr:   upstreamErr,
		SinkErr:       t.sinkErr,
	}

	// Commit whatever was accumulated, even after an upstream failure or a
	// dropped client: a partial reply the user saw must replay next turn.
	// The request context may already be canceled here.
	commitCtx := context.WithoutCancel(ctx)
	assistantMsg := &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleAssistant,
		Content:   res.Reply,
	}
	if err := s.repo.InsertMessage(commitCtx, assistantMsg); err != nil {
		// Durability violation: the client saw content that will not replay.
		log.Printf("relay commit failed session_id=%s user_id=%d bytes=%d err=%v",
			sessionID, userID, len(res.Reply), err)
		return res, fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	res.AssistantMessageID = assistantMsg.ID

	if upstreamErr != nil {
		log.Printf("relay upstream failed session_id=%s user_id=%d partial_bytes=%d err=%v",
			sessionID, userID, len(res.Reply), upstreamErr)
	}
	return res, nil
}
