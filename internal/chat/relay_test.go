package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/zennooo/blue-orca-ai/internal/ai"
)

// stubStreamProvider emits a fixed fragment sequence, optionally followed by
// a terminal error, honoring context cancellation like a real provider.
// onStream, when set, runs synchronously before any fragment is produced.
type stubStreamProvider struct {
	frags    []string
	err      error
	onStream func()

	mu   sync.Mutex
	last []ai.Message
}

func (p *stubStreamProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	_ = ctx
	return strings.Join(p.frags, ""), p.err
}

func (p *stubStreamProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	p.mu.Lock()
	p.last = append([]ai.Message(nil), messages...)
	p.mu.Unlock()

	if p.onStream != nil {
		p.onStream()
	}

	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, f := range p.frags {
			select {
			case chunks <- f:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if p.err != nil {
			errs <- p.err
		}
	}()
	return chunks, errs
}

// collectSink records forwarded fragments; it can be made to fail from a
// given fragment index to simulate a dropped client.
type collectSink struct {
	sb      strings.Builder
	n       int
	failAt  int // fail on the failAt-th write (1-based); 0 = never
	sinkErr error
}

func (s *collectSink) WriteFragment(frag string) error {
	s.n++
	if s.failAt > 0 && s.n >= s.failAt {
		if s.sinkErr == nil {
			s.sinkErr = errors.New("client gone")
		}
		return s.sinkErr
	}
	s.sb.WriteString(frag)
	return nil
}

func relayFixture(t *testing.T, prov ai.Provider, userID uint64) (*Service, *Session, func() []Message) {
	t.Helper()
	db := openTestDB(t)
	svc := NewService(NewRepo(db), registryFor(prov), 0)
	sess := mustCreateSession(t, svc, userID, "relay")
	return svc, sess, func() []Message { return sessionMessages(t, db, sess.SessionID) }
}

func TestRelayTeeRoundTrip(t *testing.T) {
	prov := &stubStreamProvider{frags: []string{"I'm ", "fine, thanks"}}
	svc, sess, messages := relayFixture(t, prov, 100)

	// pre-existing history
	if _, err := svc.AppendMessage(context.Background(), 100, sess.SessionID, RoleUser, "hi"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sink := &collectSink{}
	res, err := svc.Relay(context.Background(), 100, sess.SessionID, "how are you", sink)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if res.UpstreamErr != nil {
		t.Fatalf("unexpected upstream error: %v", res.UpstreamErr)
	}

	if got := sink.sb.String(); got != "I'm fine, thanks" {
		t.Fatalf("sink bytes = %q", got)
	}
	if res.Reply != sink.sb.String() {
		t.Fatalf("committed %q differs from streamed %q", res.Reply, sink.sb.String())
	}

	msgs := messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	wantRoles := []string{RoleUser, RoleUser, RoleAssistant}
	wantText := []string{"hi", "how are you", "I'm fine, thanks"}
	for i := range msgs {
		if msgs[i].Role != wantRoles[i] || msgs[i].Content != wantText[i] {
			t.Fatalf("message %d = {%s %q}, want {%s %q}",
				i, msgs[i].Role, msgs[i].Content, wantRoles[i], wantText[i])
		}
	}

	// the provider saw the full history including the new turn
	if n := len(prov.last); n != 2 {
		t.Fatalf("provider got %d messages, want 2", n)
	}
	if prov.last[1].Content != "how are you" {
		t.Fatalf("provider's last message = %q", prov.last[1].Content)
	}
}

func TestRelayCommitsPartialOnUpstreamError(t *testing.T) {
	prov := &stubStreamProvider{
		frags: []string{"f1", "f2"},
		err:   errors.New("provider exploded"),
	}
	svc, sess, messages := relayFixture(t, prov, 101)

	sink := &collectSink{}
	res, err := svc.Relay(context.Background(), 101, sess.SessionID, "go", sink)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if res.UpstreamErr == nil {
		t.Fatalf("expected upstream error to be reported")
	}

	if sink.sb.String() != "f1f2" {
		t.Fatalf("sink bytes = %q, want %q", sink.sb.String(), "f1f2")
	}

	msgs := messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "f1f2" {
		t.Fatalf("partial reply not committed: {%s %q}", msgs[1].Role, msgs[1].Content)
	}
}

func TestRelayCommitsEmptyOnImmediateFailure(t *testing.T) {
	prov := &stubStreamProvider{err: errors.New("connection refused")}
	svc, sess, messages := relayFixture(t, prov, 102)

	sink := &collectSink{}
	res, err := svc.Relay(context.Background(), 102, sess.SessionID, "go", sink)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if res.UpstreamErr == nil {
		t.Fatalf("expected upstream error")
	}

	msgs := messages()
	if len(msgs) != 2 {
		t.Fatalf("expected user + empty assistant message, got %d", len(msgs))
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "" {
		t.Fatalf("expected empty assistant commit, got {%s %q}", msgs[1].Role, msgs[1].Content)
	}
}

func TestRelayUnknownSession(t *testing.T) {
	prov := &stubStreamProvider{frags: []string{"x"}}
	svc, _, _ := relayFixture(t, prov, 103)

	sink := &collectSink{}
	_, err := svc.Relay(context.Background(), 103, "01NOSUCHSESSION00000000000", "hi", sink)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if sink.sb.Len() != 0 {
		t.Fatalf("nothing should be streamed, got %q", sink.sb.String())
	}
}

func TestRelayForeignSessionForbidden(t *testing.T) {
	prov := &stubStreamProvider{frags: []string{"x"}}
	svc, sess, messages := relayFixture(t, prov, 104)

	sink := &collectSink{}
	_, err := svc.Relay(context.Background(), 105, sess.SessionID, "hi", sink)
	if !errors.Is(err, ErrSessionForbidden) {
		t.Fatalf("expected ErrSessionForbidden, got %v", err)
	}
	if len(messages()) != 0 {
		t.Fatalf("no messages should be stored")
	}
}

func TestRelayClientDisconnectStillCommits(t *testing.T) {
	prov := &stubStreamProvider{frags: []string{"keep", "maybe", "maybe", "maybe"}}
	svc, sess, messages := relayFixture(t, prov, 106)

	// fail on the second write: first fragment reaches the client
	sink := &collectSink{failAt: 2}
	res, err := svc.Relay(context.Background(), 106, sess.SessionID, "hi", sink)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if res.SinkErr == nil {
		t.Fatalf("expected sink error to be reported")
	}
	if res.UpstreamErr != nil {
		t.Fatalf("cancellation must not surface as upstream error: %v", res.UpstreamErr)
	}
	if !strings.HasPrefix(res.Reply, "keep") {
		t.Fatalf("accumulated reply lost delivered fragment: %q", res.Reply)
	}

	msgs := messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != res.Reply {
		t.Fatalf("committed %q, accumulated %q", msgs[1].Content, res.Reply)
	}
}

func TestRelayCommitFailureStillReportsStreamedTurn(t *testing.T) {
	db := openTestDB(t)
	prov := &stubStreamProvider{frags: []string{"half ", "done"}}
	// break storage after the user insert and history load, so only the
	// final assistant commit fails
	prov.onStream = func() {
		if err := db.Exec("DROP TABLE chat_messages").Error; err != nil {
			t.Fatalf("drop table: %v", err)
		}
	}
	svc := NewService(NewRepo(db), registryFor(prov), 0)
	sess := mustCreateSession(t, svc, 108, "relay")

	sink := &collectSink{}
	res, err := svc.Relay(context.Background(), 108, sess.SessionID, "hi", sink)
	if !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("expected ErrCommitFailed, got %v", err)
	}
	if res == nil {
		t.Fatalf("result must still describe the streamed turn")
	}
	if sink.sb.String() != "half done" {
		t.Fatalf("sink bytes = %q", sink.sb.String())
	}
	if res.Reply != "half done" {
		t.Fatalf("accumulated reply = %q", res.Reply)
	}
	if res.AssistantMessageID != 0 {
		t.Fatalf("assistant message id set despite failed commit: %d", res.AssistantMessageID)
	}
	if res.UpstreamErr != nil || res.SinkErr != nil {
		t.Fatalf("commit failure must not masquerade as stream failure: %v %v", res.UpstreamErr, res.SinkErr)
	}

	// the shared in-memory database outlives this test
	if err := db.AutoMigrate(&Message{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
}

func TestSendMessageStream(t *testing.T) {
	prov := &stubStreamProvider{frags: []string{"a", "b", "c"}}
	svc, sess, messages := relayFixture(t, prov, 107)

	chunks, outcome := svc.SendMessageStream(context.Background(), 107, sess.SessionID, "hi")

	var sb strings.Builder
	for c := range chunks {
		sb.WriteString(c)
	}
	out := <-outcome
	if out.Err != nil {
		t.Fatalf("stream outcome: %v", out.Err)
	}
	if out.AssistantMessageID == 0 {
		t.Fatalf("expected assistant message id")
	}
	if sb.String() != "abc" {
		t.Fatalf("streamed %q", sb.String())
	}

	msgs := messages()
	if len(msgs) != 2 || msgs[1].Content != "abc" {
		t.Fatalf("unexpected store state: %+v", msgs)
	}
}

func TestSendMessageStreamUnknownSession(t *testing.T) {
	prov := &stubStreamProvider{frags: []string{"x"}}
	svc, _, _ := relayFixture(t, prov, 108)

	chunks, outcome := svc.SendMessageStream(context.Background(), 108, "01NOSUCHSESSION00000000001", "hi")
	for range chunks {
	}
	out := <-outcome
	if !errors.Is(out.Err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", out.Err)
	}
}
