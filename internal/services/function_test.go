package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anyfileflow/flow-assistant/internal/models"
	"github.com/anyfileflow/flow-assistant/internal/services"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// streamHandler writes each line as a separate flushed chunk.
func streamHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, l := range lines {
			_, _ = io.WriteString(w, l)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func collect(t *testing.T, c services.Chatter, tr *models.Transcript) ([]string, error) {
	t.Helper()
	var deltas []string
	for upd, err := range services.SendAndStream(context.Background(), c, tr) {
		if err != nil {
			return deltas, err
		}
		deltas = append(deltas, upd.Delta)
	}
	return deltas, nil
}

func TestFunctionClientEndToEnd(t *testing.T) {
	var gotReq struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	var gotAuth, gotType, gotMethod string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		streamHandler(
			deltaLine("Use"),
			deltaLine(" the JPG to PNG tool."),
			"data: [DONE]\n",
		)(w, r)
	}))
	defer srv.Close()

	fc := services.NewFunctionClient(srv.URL, "test-key", services.FunctionParameters{}, discardLogger())
	tr := models.NewTranscript()
	tr.AddUser("Convert JPG to PNG?")

	deltas, err := collect(t, fc, tr)
	if err != nil {
		t.Fatalf("SendAndStream() error = %v", err)
	}
	if len(deltas) != 2 {
		t.Errorf("SendAndStream() deltas = %q, want 2 updates", deltas)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("request method = %v, want POST", gotMethod)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer test-key")
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotType)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" || gotReq.Messages[0].Content != "Convert JPG to PNG?" {
		t.Errorf("request messages = %+v", gotReq.Messages)
	}

	msgs := tr.Messages()
	if len(msgs) != 2 {
		t.Fatalf("transcript len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "Convert JPG to PNG?" {
		t.Errorf("transcript[0] = %v:%q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content != "Use the JPG to PNG tool." {
		t.Errorf("transcript[1] = %v:%q", msgs[1].Role, msgs[1].Content)
	}
	if tr.Streaming() {
		t.Error("transcript should not be streaming after the answer ended")
	}
}

func TestFunctionClientStopsAtSentinel(t *testing.T) {
	srv := httptest.NewServer(streamHandler(
		deltaLine("before"),
		"data: [DONE]\n",
		deltaLine("after"),
	))
	defer srv.Close()

	fc := services.NewFunctionClient(srv.URL, "k", services.FunctionParameters{}, discardLogger())
	tr := models.NewTranscript()
	tr.AddUser("hi")

	deltas, err := collect(t, fc, tr)
	if err != nil {
		t.Fatalf("SendAndStream() error = %v", err)
	}
	if len(deltas) != 1 || deltas[0] != "before" {
		t.Errorf("deltas = %q, want [before]", deltas)
	}
}

func TestFunctionClientEndsOnTransportClose(t *testing.T) {
	srv := httptest.NewServer(streamHandler(
		": keep-alive\n",
		`data: {"choices":[{"delta":{"con`,
		`tent":"hi"}}]}` + "\n",
		"data: {broken}\n",
		`data: {"choices":[{"delta":{"content":"!"}}]}`,
	))
	defer srv.Close()

	fc := services.NewFunctionClient(srv.URL, "k", services.FunctionParameters{}, discardLogger())
	tr := models.NewTranscript()
	tr.AddUser("hi")

	if _, err := collect(t, fc, tr); err != nil {
		t.Fatalf("SendAndStream() error = %v", err)
	}

	last, _ := tr.Last()
	if last.Role != models.RoleAssistant || last.Content != "hi!" {
		t.Errorf("last message = %v:%q, want assistant:%q", last.Role, last.Content, "hi!")
	}
}

func TestFunctionClientRequestFailed(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantMsg    string
		wantStatus int
	}{
		{
			name:       "server message",
			status:     http.StatusInternalServerError,
			body:       `{"error":"rate limited"}`,
			wantMsg:    "rate limited",
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "nested message",
			status:     http.StatusUnauthorized,
			body:       `{"error":{"message":"invalid credential"}}`,
			wantMsg:    "invalid credential",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unparseable body",
			status:     http.StatusBadGateway,
			body:       "<html>bad gateway</html>",
			wantMsg:    "request failed with status 502",
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "empty body",
			status:     http.StatusTooManyRequests,
			wantMsg:    "request failed with status 429",
			wantStatus: http.StatusTooManyRequests,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			fc := services.NewFunctionClient(srv.URL, "k", services.FunctionParameters{}, discardLogger())
			tr := models.NewTranscript()
			tr.AddUser("Convert JPG to PNG?")

			_, err := collect(t, fc, tr)
			var rerr *services.RequestFailedError
			if !errors.As(err, &rerr) {
				t.Fatalf("SendAndStream() error = %v, want RequestFailedError", err)
			}
			if rerr.Message != tt.wantMsg {
				t.Errorf("RequestFailedError.Message = %q, want %q", rerr.Message, tt.wantMsg)
			}
			if rerr.StatusCode != tt.wantStatus {
				t.Errorf("RequestFailedError.StatusCode = %d, want %d", rerr.StatusCode, tt.wantStatus)
			}

			if tr.Len() != 1 {
				t.Errorf("transcript len = %d, want 1", tr.Len())
			}
			if last, _ := tr.Last(); last.Role != models.RoleUser {
				t.Errorf("last message role = %v, want user", last.Role)
			}
		})
	}
}

func TestFunctionClientNoResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fc := services.NewFunctionClient(srv.URL, "k", services.FunctionParameters{}, discardLogger())
	tr := models.NewTranscript()
	tr.AddUser("hi")

	_, err := collect(t, fc, tr)
	if !errors.Is(err, services.ErrNoResponseBody) {
		t.Errorf("SendAndStream() error = %v, want ErrNoResponseBody", err)
	}
	if tr.Len() != 1 {
		t.Errorf("transcript len = %d, want 1", tr.Len())
	}
}

func TestFunctionClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	fc := services.NewFunctionClient(url, "k", services.FunctionParameters{}, discardLogger())
	tr := models.NewTranscript()
	tr.AddUser("hi")

	_, err := collect(t, fc, tr)
	var rerr *services.RequestFailedError
	if !errors.As(err, &rerr) {
		t.Fatalf("SendAndStream() error = %v, want RequestFailedError", err)
	}
	if rerr.StatusCode != 0 {
		t.Errorf("RequestFailedError.StatusCode = %d, want 0", rerr.StatusCode)
	}
}

func TestFunctionClientIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streamHandler(deltaLine("partial"))(w, r)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	fc := services.NewFunctionClient(srv.URL, "k", services.FunctionParameters{
		IdleTimeout: 50 * time.Millisecond,
	}, discardLogger())
	tr := models.NewTranscript()
	tr.AddUser("hi")

	deltas, err := collect(t, fc, tr)
	if !errors.Is(err, services.ErrIdleTimeout) {
		t.Fatalf("SendAndStream() error = %v, want ErrIdleTimeout", err)
	}
	if len(deltas) != 1 {
		t.Errorf("deltas = %q, want the partial answer", deltas)
	}

	last, _ := tr.Last()
	if last.Content != "partial" {
		t.Errorf("partial answer should stay in the transcript, got %q", last.Content)
	}
}

func TestFunctionClientCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streamHandler(deltaLine("first"))(w, r)
		select {
		case <-r.Context().Done():
			return
		case <-release:
		}
		_, _ = io.WriteString(w, deltaLine("second"))
	}))
	defer srv.Close()
	defer close(release)

	fc := services.NewFunctionClient(srv.URL, "k", services.FunctionParameters{}, discardLogger())
	tr := models.NewTranscript()
	tr.AddUser("hi")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := 0
	for _, err := range services.SendAndStream(ctx, fc, tr) {
		if err != nil {
			t.Fatalf("SendAndStream() error = %v, want quiet end on cancel", err)
		}
		updates++
		cancel()
	}

	if updates != 1 {
		t.Errorf("updates = %d, want 1", updates)
	}
	last, _ := tr.Last()
	if last.Content != "first" {
		t.Errorf("last message = %q, want %q", last.Content, "first")
	}
}

func TestSendAndStreamInvalidTranscript(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	fc := services.NewFunctionClient(srv.URL, "k", services.FunctionParameters{}, discardLogger())

	tests := []struct {
		name string
		tr   *models.Transcript
	}{
		{name: "empty", tr: models.NewTranscript()},
		{name: "ends with assistant", tr: models.NewTranscript(
			models.Message{Role: models.RoleUser, Content: "hi"},
			models.Message{Role: models.RoleAssistant, Content: "hello"},
		)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := collect(t, fc, tt.tr)
			if !errors.Is(err, services.ErrInvalidTranscript) {
				t.Errorf("SendAndStream() error = %v, want ErrInvalidTranscript", err)
			}
		})
	}

	if hits.Load() != 0 {
		t.Errorf("endpoint hit %d times, want 0", hits.Load())
	}
}

func TestFunctionClientIdleTimeoutIgnoresSlowConsumer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streamHandler(deltaLine("a"))(w, r)
		time.Sleep(10 * time.Millisecond)
		_, _ = io.WriteString(w, deltaLine("b")+"data: [DONE]\n")
	}))
	defer srv.Close()

	fc := services.NewFunctionClient(srv.URL, "k", services.FunctionParameters{
		IdleTimeout: 50 * time.Millisecond,
	}, discardLogger())
	tr := models.NewTranscript()
	tr.AddUser("hi")

	for _, err := range services.SendAndStream(context.Background(), fc, tr) {
		if err != nil {
			t.Fatalf("SendAndStream() error = %v, want none for a slow consumer", err)
		}
		time.Sleep(120 * time.Millisecond)
	}

	last, _ := tr.Last()
	if last.Content != "ab" {
		t.Errorf("last message = %q, want %q", last.Content, "ab")
	}
}

func TestFunctionClientTruncatedLineBeforeSentinel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The connection stays open after the sentinel.
		streamHandler(deltaLine("a") + `data: {"choices":[` + "\n" + deltaLine("b") + "data: [DONE]\n")(w, r)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	fc := services.NewFunctionClient(srv.URL, "k", services.FunctionParameters{
		IdleTimeout: 200 * time.Millisecond,
	}, discardLogger())
	tr := models.NewTranscript()
	tr.AddUser("hi")

	deltas, err := collect(t, fc, tr)
	if err != nil {
		t.Fatalf("SendAndStream() error = %v", err)
	}
	if len(deltas) != 2 {
		t.Errorf("deltas = %q, want [a b]", deltas)
	}
	if last, _ := tr.Last(); last.Content != "ab" {
		t.Errorf("last message = %q, want %q", last.Content, "ab")
	}
}
