package handlers

import (
	"context"
	"iter"
	"log/slog"

	"github.com/anyfileflow/flow-assistant/internal/models"
	"github.com/yuin/goldmark"
)

// LLM represents a chat backend. It accepts a context and the messages of a transcript, returning an
// iterator that yields the content deltas of the answer and potential errors.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// FeedbackStore defines the interface for persisting tool ratings and comments.
type FeedbackStore interface {
	AddRating(ctx context.Context, slug string, stars int) error
	RatingSummary(ctx context.Context, slug string) (models.RatingSummary, error)

	AddComment(ctx context.Context, slug string, comment models.Comment) (string, error)
	Comments(ctx context.Context, slug string) ([]models.Comment, error)
}

// Main serves the assistant panels and the tool feedback endpoints. Panels and their transcripts live in
// memory only; feedback goes to the FeedbackStore.
type Main struct {
	llm      LLM
	feedback FeedbackStore

	panels   *panelRegistry
	markdown goldmark.Markdown

	logger *slog.Logger
}

const errLoggerKey = "err"

// NewMain creates a new Main instance with the provided LLM and FeedbackStore implementations.
func NewMain(llm LLM, feedback FeedbackStore, logger *slog.Logger) Main {
	return Main{
		llm:      llm,
		feedback: feedback,
		panels:   newPanelRegistry(),
		markdown: newMarkdown(),
		logger:   logger.With(slog.String("module", "main")),
	}
}

// Shutdown closes every open panel, canceling the streams still in flight.
func (m Main) Shutdown(context.Context) error {
	n := m.panels.closeAll()
	m.logger.Info("Closed panels", slog.Int("count", n))
	return nil
}
