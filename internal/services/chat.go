package services

import (
	"context"
	"iter"

	"github.com/anyfileflow/flow-assistant/internal/models"
)

// Chatter streams the content deltas of an assistant answer for a conversation. FunctionClient, OpenAI and
// Ollama implement it.
type Chatter interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// SendAndStream sends the transcript through c and applies every received delta to it, yielding one
// PartialUpdate per non-empty delta. The first delta creates the assistant message, later deltas extend it.
//
// The transcript must end with a user message, otherwise ErrInvalidTranscript is yielded and nothing is sent.
// Errors from c are yielded as is and end the sequence; content streamed before the error stays in the
// transcript. Once ctx is canceled the transcript is no longer modified. Only one SendAndStream may run on a
// transcript at a time.
func SendAndStream(ctx context.Context, c Chatter, t *models.Transcript) iter.Seq2[models.PartialUpdate, error] {
	return func(yield func(models.PartialUpdate, error) bool) {
		last, ok := t.Last()
		if !ok || last.Role != models.RoleUser {
			yield(models.PartialUpdate{}, ErrInvalidTranscript)
			return
		}

		t.BeginStream()
		defer t.EndStream()

		for delta, err := range c.Chat(ctx, t.Messages()) {
			if err != nil {
				yield(models.PartialUpdate{}, err)
				return
			}
			if ctx.Err() != nil {
				return
			}
			if delta == "" {
				continue
			}

			msg := t.ApplyDelta(delta)
			if !yield(models.PartialUpdate{Delta: delta, Message: msg}, nil) {
				return
			}
		}
	}
}
