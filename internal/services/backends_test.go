package services_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anyfileflow/flow-assistant/internal/models"
	"github.com/anyfileflow/flow-assistant/internal/services"
)

func openAIChunk(content string) string {
	return `data: {"id":"1","object":"chat.completion.chunk","created":1,"model":"m",` +
		`"choices":[{"index":0,"delta":{"content":"` + content + `"}}]}` + "\n\n"
}

func TestOpenAIChat(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		streamHandler(
			openAIChunk("Try the "),
			openAIChunk("Stopwatch."),
			"data: [DONE]\n\n",
		)(w, r)
	}))
	defer srv.Close()

	oa := services.NewOpenAI("sk-test", srv.URL+"/v1", "gpt-4o-mini", "Be brief.", services.LLMParameters{}, discardLogger())
	tr := models.NewTranscript()
	tr.AddUser("I need a timer")

	deltas, err := collect(t, oa, tr)
	if err != nil {
		t.Fatalf("SendAndStream() error = %v", err)
	}
	if got := strings.Join(deltas, ""); got != "Try the Stopwatch." {
		t.Errorf("deltas = %q, want %q", got, "Try the Stopwatch.")
	}
	if gotPath != "/v1/chat/completions" {
		t.Errorf("request path = %q, want /v1/chat/completions", gotPath)
	}
	if last, _ := tr.Last(); last.Content != "Try the Stopwatch." {
		t.Errorf("transcript answer = %q", last.Content)
	}
}

func TestOpenAIChatRequestFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"rate limited","type":"requests"}}`)
	}))
	defer srv.Close()

	oa := services.NewOpenAI("sk-test", srv.URL+"/v1", "gpt-4o-mini", "", services.LLMParameters{}, discardLogger())
	tr := models.NewTranscript()
	tr.AddUser("Hello")

	_, err := collect(t, oa, tr)
	var rerr *services.RequestFailedError
	if !errors.As(err, &rerr) {
		t.Fatalf("SendAndStream() error = %v, want RequestFailedError", err)
	}
	if rerr.StatusCode != http.StatusTooManyRequests || rerr.Message != "rate limited" {
		t.Errorf("RequestFailedError = %+v, want 429 rate limited", rerr)
	}
	if tr.Len() != 1 {
		t.Errorf("transcript len = %d, want 1", tr.Len())
	}
}

func TestOpenAIChatStreamFailure(t *testing.T) {
	srv := httptest.NewServer(streamHandler(
		openAIChunk("Try "),
		"data: {broken\n\n",
	))
	defer srv.Close()

	oa := services.NewOpenAI("sk-test", srv.URL+"/v1", "gpt-4o-mini", "", services.LLMParameters{}, discardLogger())
	tr := models.NewTranscript()
	tr.AddUser("Hello")

	_, err := collect(t, oa, tr)
	var rerr *services.RequestFailedError
	if !errors.As(err, &rerr) {
		t.Fatalf("SendAndStream() error = %v, want RequestFailedError", err)
	}
	if rerr.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for a failure mid stream", rerr.StatusCode)
	}
	if last, _ := tr.Last(); last.Content != "Try " {
		t.Errorf("partial answer = %q, want %q", last.Content, "Try ")
	}
}

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		streamHandler(
			`{"model":"llama3.2","message":{"role":"assistant","content":"Use the "},"done":false}`+"\n",
			`{"model":"llama3.2","message":{"role":"assistant","content":"Meme Editor."},"done":false}`+"\n",
			`{"model":"llama3.2","message":{"role":"assistant","content":""},"done":true}`+"\n",
		)(w, r)
	}))
	defer srv.Close()

	ol, err := services.NewOllama(srv.URL, "llama3.2", "Be brief.")
	if err != nil {
		t.Fatalf("NewOllama() error = %v", err)
	}
	tr := models.NewTranscript()
	tr.AddUser("Make a meme")

	deltas, err := collect(t, ol, tr)
	if err != nil {
		t.Fatalf("SendAndStream() error = %v", err)
	}
	if got := strings.Join(deltas, ""); got != "Use the Meme Editor." {
		t.Errorf("deltas = %q, want %q", got, "Use the Meme Editor.")
	}
}

func TestOllamaChatRequestFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"status":"not found"}`+"\n")
	}))
	defer srv.Close()

	ol, err := services.NewOllama(srv.URL, "nope", "")
	if err != nil {
		t.Fatalf("NewOllama() error = %v", err)
	}
	tr := models.NewTranscript()
	tr.AddUser("Hello")

	_, err = collect(t, ol, tr)
	var rerr *services.RequestFailedError
	if !errors.As(err, &rerr) {
		t.Fatalf("SendAndStream() error = %v, want RequestFailedError", err)
	}
	if rerr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", rerr.StatusCode, http.StatusNotFound)
	}
	if rerr.Message != "request failed with status 404" {
		t.Errorf("Message = %q, want status fallback", rerr.Message)
	}
}

func TestOllamaChatStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streamHandler(
			`{"message":{"role":"assistant","content":"one"},"done":false}`+"\n",
			`{"message":{"role":"assistant","content":"two"},"done":false}`+"\n",
			`{"message":{"role":"assistant","content":"three"},"done":false}`+"\n",
		)(w, r)
	}))
	defer srv.Close()

	ol, err := services.NewOllama(srv.URL, "llama3.2", "")
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	for delta, err := range ol.Chat(context.Background(), []models.Message{{Role: models.RoleUser, Content: "count"}}) {
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		got = append(got, delta)
		break
	}
	if len(got) != 1 || got[0] != "one" {
		t.Errorf("Chat() = %v, want only the first delta", got)
	}
}
