package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/anyfileflow/flow-assistant/internal/models"
)

// FunctionClient streams assistant answers from the hosted chat function. The function accepts the whole
// transcript and answers with an OpenAI style event stream of content deltas.
type FunctionClient struct {
	endpoint string
	apiKey   string

	params FunctionParameters

	client *http.Client

	logger *slog.Logger
}

// FunctionParameters holds the timeouts applied to every request. Zero values disable the timeout.
type FunctionParameters struct {
	// IdleTimeout bounds the time between two chunks of the stream, and the wait for the response headers.
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	// RequestTimeout bounds the whole request including the stream.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

type functionRequest struct {
	Messages []functionMessage `json:"messages"`
}

type functionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	readChunkSize = 4096
	// maxErrorBody caps how much of a failed response is read to find its error message.
	maxErrorBody = 64 << 10
)

// NewFunctionClient creates a new FunctionClient that posts to endpoint with apiKey as bearer credential.
func NewFunctionClient(endpoint, apiKey string, params FunctionParameters, logger *slog.Logger) FunctionClient {
	return FunctionClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		params:   params,
		client:   &http.Client{},
		logger:   logger.With(slog.String("module", "function")),
	}
}

// Chat sends messages to the chat function and returns an iterator over the content deltas of its answer.
//
// The iterator yields a *RequestFailedError if the request fails or the function answers with a non-2xx
// status, ErrNoResponseBody if the answer has no body and ErrIdleTimeout if the stream stalls. Canceling ctx
// ends the iterator without an error. Data lines that cannot be decoded are dropped.
func (f FunctionClient) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		parent := ctx
		if f.params.RequestTimeout > 0 {
			var cancel context.CancelFunc
			parent, cancel = context.WithTimeout(parent, f.params.RequestTimeout)
			defer cancel()
		}

		ctx, cancel := context.WithCancelCause(parent)
		defer cancel(nil)

		idle := f.startIdleTimer(cancel)
		defer idle.Stop()

		resp, err := f.doRequest(ctx, messages)
		if err != nil {
			if canceled(ctx) {
				return
			}
			yield("", f.streamError(ctx, "error sending request", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			rerr := requestFailed(resp.StatusCode, body)
			f.logger.Warn("Chat function request failed",
				slog.Int("status", resp.StatusCode),
				slog.String("message", rerr.Message))
			yield("", rerr)
			return
		}

		if resp.Body == nil || resp.Body == http.NoBody || resp.ContentLength == 0 {
			yield("", ErrNoResponseBody)
			return
		}

		var dec DeltaDecoder
		defer func() {
			if dec.Dropped() > 0 {
				f.logger.Warn("Dropped undecodable stream lines", slog.Int("count", dec.Dropped()))
			}
		}()

		buf := make([]byte, readChunkSize)
		for {
			if ctx.Err() != nil {
				if canceled(ctx) {
					return
				}
				yield("", f.streamError(ctx, "error reading response", ctx.Err()))
				return
			}

			// The idle window only runs while waiting on the transport, not while the caller handles deltas.
			idle.Reset()
			n, err := resp.Body.Read(buf)
			idle.Stop()

			if n > 0 {
				deltas, done := dec.Feed(buf[:n])
				for _, delta := range deltas {
					if !yield(delta, nil) {
						return
					}
				}
				if done {
					return
				}
			}

			if errors.Is(err, io.EOF) {
				for _, delta := range dec.Flush() {
					if !yield(delta, nil) {
						return
					}
				}
				return
			}
			if err != nil {
				if canceled(ctx) {
					return
				}
				yield("", f.streamError(ctx, "error reading response", err))
				return
			}
		}
	}
}

// canceled reports whether ctx was canceled by the caller, as opposed to a timeout.
func canceled(ctx context.Context) bool {
	return ctx.Err() != nil && errors.Is(context.Cause(ctx), context.Canceled)
}

// streamError maps a transport error to the error reported to the caller. The cause recorded by the idle
// timer takes precedence over the error returned by the transport.
func (f FunctionClient) streamError(ctx context.Context, action string, err error) error {
	if errors.Is(context.Cause(ctx), ErrIdleTimeout) {
		f.logger.Warn("Chat function stream stalled", slog.Duration("idleTimeout", f.params.IdleTimeout))
		return ErrIdleTimeout
	}
	f.logger.Error("Chat function stream failed", slog.String(errLoggerKey, err.Error()))
	return &RequestFailedError{
		Message: fmt.Sprintf("%s: %s", action, err),
		Err:     err,
	}
}

func (f FunctionClient) doRequest(ctx context.Context, messages []models.Message) (*http.Response, error) {
	msgs := make([]functionMessage, len(messages))
	for i, msg := range messages {
		msgs[i] = functionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	jsonBody, err := json.Marshal(functionRequest{Messages: msgs})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	f.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+f.apiKey)

	return f.client.Do(req)
}

// idleTimer cancels the request context with ErrIdleTimeout when it is not reset in time.
type idleTimer struct {
	d     time.Duration
	timer *time.Timer
}

func (f FunctionClient) startIdleTimer(cancel context.CancelCauseFunc) idleTimer {
	if f.params.IdleTimeout <= 0 {
		return idleTimer{}
	}
	return idleTimer{
		d:     f.params.IdleTimeout,
		timer: time.AfterFunc(f.params.IdleTimeout, func() { cancel(ErrIdleTimeout) }),
	}
}

func (t idleTimer) Reset() {
	if t.timer != nil {
		t.timer.Reset(t.d)
	}
}

func (t idleTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
