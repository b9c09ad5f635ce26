// Package testutil holds fixtures shared by kiln's package tests: a
// miniredis-backed candidate store and a stub chat completions endpoint.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/kiln/pkg/candidates"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// NewStore starts a miniredis server and connects a candidate store to it.
// Both are closed when the test ends.
func NewStore(t *testing.T, instance string, opts ...candidates.Option) (*candidates.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := candidates.NewClient(&redis.Options{Addr: mr.Addr()}, instance, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

// Fence wraps source in a go code fence the way a chat model replies.
func Fence(source string) string {
	return "```go\n" + source + "```"
}

// ChatServer is an OpenAI-compatible chat completions stub. It answers
// every request with the configured reply and records the last message of
// each request.
type ChatServer struct {
	URL string

	mu      sync.Mutex
	reply   string
	status  int
	prompts []string
}

// NewChatServer starts a ChatServer replying with reply. It is closed when
// the test ends.
func NewChatServer(t *testing.T, reply string) *ChatServer {
	t.Helper()
	s := &ChatServer{reply: reply, status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(srv.Close)
	s.URL = srv.URL
	return s
}

// SetReply changes the reply for later requests. A status other than 200
// makes the server fail requests with that status.
func (s *ChatServer) SetReply(reply string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply, s.status = reply, status
}

// Prompts returns the recorded prompts in arrival order.
func (s *ChatServer) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func (s *ChatServer) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	if n := len(req.Messages); n > 0 {
		s.prompts = append(s.prompts, req.Messages[n-1].Content)
	}
	reply, status := s.reply, s.status
	s.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, reply, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{
			"role":    "assistant",
			"content": reply,
		}}},
	})
}
