package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/zennooo/blue-orca-ai/internal/ai"
	"github.com/zennooo/blue-orca-ai/internal/auth"
	"github.com/zennooo/blue-orca-ai/internal/chat"
	"github.com/zennooo/blue-orca-ai/internal/config"
	"github.com/zennooo/blue-orca-ai/internal/httpapi/handlers"
	"gorm.io/gorm"
)

type scriptedProvider struct {
	frags []string
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	_ = ctx
	_ = messages
	return strings.Join(p.frags, ""), nil
}

func (p *scriptedProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	_ = messages
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
	}()
	return chunks, errs
}

type apiFixture struct {
	router  *gin.Engine
	db      *gorm.DB
	chatSvc *chat.Service
	cfg     config.Config
}

func newAPIFixture(t *testing.T, prov ai.Provider) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(gormsqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.Session{}, &chat.Message{}, &chat.Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})

	cfg := config.Config{JWTSecret: "router-test-secret"}
	svc := chat.NewService(chat.NewRepo(db), reg, 0)
	h := handlers.NewHandler(db, cfg, nil, nil, svc, nil)

	return &apiFixture{
		router:  NewRouter(cfg, h),
		db:      db,
		chatSvc: svc,
		cfg:     cfg,
	}
}

func (f *apiFixture) token(t *testing.T, userID uint64) string {
	t.Helper()
	tok, err := auth.SignJWT(userID, f.cfg.JWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return tok
}

func (f *apiFixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) newSession(t *testing.T, userID uint64, title string) *chat.Session {
	t.Helper()
	sess, err := f.chatSvc.CreateSession(context.Background(), userID, title, "fake", "default")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestChatTurnStreamsRawText(t *testing.T) {
	f := newAPIFixture(t, &scriptedProvider{frags: []string{"I'm ", "fine, thanks"}})
	sess := f.newSession(t, 1, "small talk")
	tok := f.token(t, 1)

	w := f.do(t, http.MethodPost, "/chat-turn", tok,
		`{"session_id":"`+sess.SessionID+`","message":"how are you"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	if w.Body.String() != "I'm fine, thanks" {
		t.Fatalf("body = %q", w.Body.String())
	}

	// the streamed bytes were committed as the assistant message
	var msgs []chat.Message
	if err := f.db.Where("session_id = ?", sess.SessionID).Order("id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Role != chat.RoleAssistant || msgs[1].Content != "I'm fine, thanks" {
		t.Fatalf("assistant message = {%s %q}", msgs[1].Role, msgs[1].Content)
	}
}

func TestChatTurnRequiresAuth(t *testing.T) {
	f := newAPIFixture(t, &scriptedProvider{frags: []string{"x"}})

	w := f.do(t, http.MethodPost, "/chat-turn", "", `{"session_id":"s","message":"m"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestChatTurnUnknownSession(t *testing.T) {
	f := newAPIFixture(t, &scriptedProvider{frags: []string{"x"}})
	tok := f.token(t, 2)

	w := f.do(t, http.MethodPost, "/chat-turn", tok,
		`{"session_id":"01NOSUCHSESSION0000000ROUT","message":"m"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestChatTurnForeignSessionForbidden(t *testing.T) {
	f := newAPIFixture(t, &scriptedProvider{frags: []string{"x"}})
	sess := f.newSession(t, 3, "owned by 3")
	tok := f.token(t, 4)

	w := f.do(t, http.MethodPost, "/chat-turn", tok,
		`{"session_id":"`+sess.SessionID+`","message":"m"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "owned by 3") {
		t.Fatalf("must not leak session data")
	}
}

func TestChatTurnMalformedBody(t *testing.T) {
	f := newAPIFixture(t, &scriptedProvider{frags: []string{"x"}})
	tok := f.token(t, 5)

	w := f.do(t, http.MethodPost, "/chat-turn", tok, `{"session_id":""}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestListSessionsAndMessages(t *testing.T) {
	f := newAPIFixture(t, &scriptedProvider{frags: []string{"hello there"}})
	sess := f.newSession(t, 6, "mine")
	_ = f.newSession(t, 7, "not mine")
	tok := f.token(t, 6)

	// run one turn so the session has history
	if w := f.do(t, http.MethodPost, "/chat-turn", tok,
		`{"session_id":"`+sess.SessionID+`","message":"hi"}`); w.Code != http.StatusOK {
		t.Fatalf("chat turn: %d", w.Code)
	}

	w := f.do(t, http.MethodGet, "/sessions", tok, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list sessions: %d", w.Code)
	}
	var listResp struct {
		Data struct {
			Sessions []chat.Session `json:"sessions"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listResp.Data.Sessions) != 1 || listResp.Data.Sessions[0].SessionID != sess.SessionID {
		t.Fatalf("expected only my session, got %+v", listResp.Data.Sessions)
	}

	w = f.do(t, http.MethodGet, "/sessions/"+sess.SessionID+"/messages", tok, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list messages: %d", w.Code)
	}
	var msgResp struct {
		Data struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &msgResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgResp.Data.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %+v", msgResp.Data.Messages)
	}
	if msgResp.Data.Messages[0].Role != chat.RoleUser || msgResp.Data.Messages[0].Content != "hi" {
		t.Fatalf("first message = %+v", msgResp.Data.Messages[0])
	}
	if msgResp.Data.Messages[1].Role != chat.RoleAssistant || msgResp.Data.Messages[1].Content != "hello there" {
		t.Fatalf("second message = %+v", msgResp.Data.Messages[1])
	}

	// the other user's view of my session is 403
	w = f.do(t, http.MethodGet, "/sessions/"+sess.SessionID+"/messages", f.token(t, 7), "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign access: %d", w.Code)
	}
}
