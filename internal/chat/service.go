package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/zennooo/blue-orca-ai/internal/ai"
	"gorm.io/gorm"
)

type Service struct {
	repo     *Repo
	registry *ai.Registry
	// contextWindowSize bounds how many recent messages are replayed to the
	// provider; 0 replays the full session history.
	contextWindowSize int
}

func NewService(repo *Repo, registry *ai.Registry, contextWindowSize int) *Service {
	if contextWindowSize < 0 || contextWindowSize > 200 {
		contextWindowSize = 0
	}
	return &Service{repo: repo, registry: registry, contextWindowSize: contextWindowSize}
}

const (
	defaultProvider = "ollama"
	defaultModel    = "llama3:latest"
)

func (s *Service) CreateSession(ctx context.Context, userID uint64, title, provider, model string) (*Session, error) {
	if strings.TrimSpace(title) == "" {
		title = defaultSessionTitle
	}
	if provider == "" {
		provider = defaultProvider
	}
	if model == "" {
		model = defaultModel
	}

	sid, err := NewSessionID()
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID: sid,
		UserID:    userID,
		Title:     title,
		Provider:  provider,
		Model:     model,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ownedSession resolves a session id for a caller, distinguishing an unknown
// session from someone else's.
func (s *Service) ownedSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrSessionForbidden
	}
	return sess, nil
}

func (s *Service) ValidateSessionOwner(ctx context.Context, userID uint64, sessionID string) error {
	_, err := s.ownedSession(ctx, userID, sessionID)
	return err
}

func (s *Service) ListSessions(ctx context.Context, userID uint64) ([]Session, error) {
	return s.repo.ListSessionsByUser(ctx, userID)
}

func (s *Service) RenameSession(ctx context.Context, userID uint64, sessionID, title string) error {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultSessionTitle
	}
	return s.repo.UpdateSessionTitle(ctx, sessionID, title)
}

func (s *Service) providerForSession(ctx context.Context, sess *Session) (ai.Provider, error) {
	p := sess.Provider
	m := sess.Model
	if p == "" {
		p = defaultProvider
	}
	if m == "" {
		m = defaultModel
	}
	return s.registry.Get(ctx, p, m)
}

// loadHistory builds the provider context in insertion order, including the
// just-inserted user turn. With a window configured only the most recent
// messages are replayed.
func (s *Service) loadHistory(ctx context.Context, userID uint64, sessionID string) ([]ai.Message, error) {
	if s.contextWindowSize > 0 {
		recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, userID, sessionID, s.contextWindowSize)
		if err != nil {
			return nil, err
		}
		out := make([]ai.Message, 0, len(recentDesc))
		for i := len(recentDesc) - 1; i >= 0; i-- {
			out = append(out, ai.Message{Role: recentDesc[i].Role, Content: recentDesc[i].Content})
		}
		return out, nil
	}

	msgs, err := s.repo.ListMessagesAsc(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// AppendMessage stores one role-tagged message after confirming the session
// exists and belongs to the caller. Nothing is written on a failed check.
func (s *Service) AppendMessage(ctx context.Context, userID uint64, sessionID, role, content string) (*Message, error) {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	m := &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		Content:   content,
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// SendMessage is the blocking (non-streaming) turn: user message in,
// complete assistant reply out. Unlike Relay it stores no assistant message
// when the provider fails, since nothing was shown to the client.
func (s *Service) SendMessage(ctx context.Context, userID uint64, sessionID string, content string) (reply string, assistantMsgID uint64, err error) {
	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}

	provider, err := s.providerForSession(ctx, sess)
	if err != nil {
		return "", 0, err
	}

	userMsg := &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleUser,
		Content:   content,
	}
	if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
		return "", 0, err
	}

	history, err := s.loadHistory(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}

	reply, err = provider.Chat(ctx, history)
	if err != nil {
		return "", 0, err
	}

	assistantMsg := &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleAssistant,
		Content:   reply,
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return "", 0, err
	}
	return reply, assistantMsg.ID, nil
}

// StreamOutcome is the terminal event of a channel-based streaming turn.
type StreamOutcome struct {
	AssistantMessageID uint64
	Err                error
}

// SendMessageStream runs Relay in a goroutine with a channel sink, for
// transports (SSE) that consume fragments from a channel. chunks closes when
// streaming ends; outcome then delivers exactly one value.
func (s *Service) SendMessageStream(ctx context.Context, userID uint64, sessionID string, content string) (<-chan string, <-chan StreamOutcome) {
	chunks := make(chan string, 16)
	outcome := make(chan StreamOutcome, 1)

	go func() {
		defer close(outcome)

		sink := FragmentSinkFunc(func(frag string) error {
			select {
			case chunks <- frag:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})

		res, err := s.Relay(ctx, userID, sessionID, content, sink)
		close(chunks)

		out := StreamOutcome{Err: err}
		if res != nil {
			out.AssistantMessageID = res.AssistantMessageID
			if out.Err == nil {
				out.Err = res.UpstreamErr
			}
		}
		outcome <- out
	}()

	return chunks, outcome
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListMessages(ctx, userID, sessionID, limit, beforeID)
}

// ListMessagesOrdered returns the full history oldest-first, as replayed to
// the provider.
func (s *Service) ListMessagesOrdered(ctx context.Context, userID uint64, sessionID string) ([]Message, error) {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListMessagesAsc(ctx, userID, sessionID)
}

func (s *Service) InsertUserMessage(ctx context.Context, userID uint64, sessionID string, content string) error {
	_, err := s.AppendMessage(ctx, userID, sessionID, RoleUser, content)
	return err
}

func (s *Service) CreateJob(ctx context.Context, job *Job) error {
	return s.repo.CreateJob(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

// GenerateAssistantReplyAndInsert produces the assistant turn for a queued
// job whose user message is already stored.
func (s *Service) GenerateAssistantReplyAndInsert(ctx context.Context, userID uint64, sessionID string) (string, uint64, error) {
	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}

	provider, err := s.providerForSession(ctx, sess)
	if err != nil {
		return "", 0, err
	}

	history, err := s.loadHistory(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}

	reply, err := provider.Chat(ctx, history)
	if err != nil {
		return "", 0, err
	}

	assistantMsg := &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleAssistant,
		Content:   reply,
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return "", 0, err
	}
	return reply, assistantMsg.ID, nil
}
