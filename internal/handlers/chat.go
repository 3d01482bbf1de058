package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anyfileflow/flow-assistant/internal/models"
	"github.com/anyfileflow/flow-assistant/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/tmaxmax/go-sse"
)

// SSE event types sent to the panel while an answer streams.
var (
	deltaSSEType   = sse.Type("delta")
	messageSSEType = sse.Type("message")
	errorSSEType   = sse.Type("error")
	doneSSEType    = sse.Type("done")
)

type panelResponse struct {
	ID        string           `json:"id"`
	Streaming bool             `json:"streaming"`
	Messages  []models.Message `json:"messages"`
}

// deltaEvent is the data of a "delta" event. Deltas are JSON encoded so leading spaces survive the SSE framing.
type deltaEvent struct {
	Content   string `json:"content"`
	MessageID string `json:"messageId"`
}

type sendRequest struct {
	Message string `json:"message"`
}

// HandleNewPanel opens a new assistant panel with an empty transcript.
func (m Main) HandleNewPanel(w http.ResponseWriter, _ *http.Request) {
	p := m.panels.create()
	m.logger.Debug("Opened panel", slog.String("panelID", p.id))
	writeJSON(w, http.StatusCreated, map[string]string{"id": p.id})
}

// HandlePanel returns the transcript of a panel.
func (m Main) HandlePanel(w http.ResponseWriter, r *http.Request) {
	p, ok := m.panels.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrPanelNotFound.Error())
		return
	}

	writeJSON(w, http.StatusOK, panelResponse{
		ID:        p.id,
		Streaming: p.transcript.Streaming(),
		Messages:  p.transcript.Messages(),
	})
}

// HandleClosePanel closes a panel and aborts the answer it may still be streaming.
func (m Main) HandleClosePanel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !m.panels.remove(id) {
		writeError(w, http.StatusNotFound, ErrPanelNotFound.Error())
		return
	}
	m.logger.Debug("Closed panel", slog.String("panelID", id))
	w.WriteHeader(http.StatusNoContent)
}

// HandleMessages adds the visitor's message to the panel transcript and streams the assistant answer back
// as Server-Sent Events.
//
// The message is read from a JSON body ({"message": "..."}) or from the "message" form field. While the
// answer streams, every content delta is sent as a "delta" event with a JSON body. When the stream ends successfully the
// complete answer, rendered from markdown to HTML, is sent as a "message" event followed by "done". A failure
// is sent as an "error" event carrying a text meant for a notification; whatever was streamed before the
// failure stays in the transcript.
//
// A second message sent while an answer is still streaming is rejected with 409 Conflict.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := m.panels.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrPanelNotFound.Error())
		return
	}

	msg, err := readMessage(r)
	if err != nil {
		m.logger.Error("Failed to read message", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx, release, err := p.begin(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, ErrPanelBusy):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusNotFound, err.Error())
		}
		return
	}
	defer release()

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade to SSE", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	p.transcript.AddUser(msg)
	logger := m.logger.With(slog.String("panelID", p.id))

	for upd, err := range services.SendAndStream(ctx, m.llm, p.transcript) {
		if err != nil {
			logger.Error("Error from chat backend", slog.String(errLoggerKey, err.Error()))
			_ = m.send(sess, errorSSEType, notice(err))
			return
		}
		data, _ := json.Marshal(deltaEvent{Content: upd.Delta, MessageID: upd.Message.ID})
		if err := m.send(sess, deltaSSEType, string(data)); err != nil {
			logger.Debug("Panel went away", slog.String(errLoggerKey, err.Error()))
			return
		}
	}

	if ctx.Err() != nil {
		logger.Debug("Stream canceled")
		return
	}

	last, ok := p.transcript.Last()
	if ok && last.Role == models.RoleAssistant {
		rendered, err := m.renderMarkdown(last.Content)
		if err != nil {
			logger.Error("Failed to render answer",
				slog.String("messageID", last.ID),
				slog.String(errLoggerKey, err.Error()))
			rendered = last.Content
		}
		if err := m.send(sess, messageSSEType, rendered); err != nil {
			return
		}
	}

	_ = m.send(sess, doneSSEType, "bye")
}

func (m Main) send(sess *sse.Session, typ sse.EventType, data string) error {
	e := &sse.Message{Type: typ}
	// SSE clients drop events without data.
	if data == "" {
		data = " "
	}
	e.AppendData(data)

	if err := sess.Send(e); err != nil {
		return err
	}
	return sess.Flush()
}

func readMessage(r *http.Request) (string, error) {
	if isJSON(r) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", err
		}
		return strings.TrimSpace(req.Message), nil
	}
	return strings.TrimSpace(r.FormValue("message")), nil
}

// notice converts a send failure to the text shown to the visitor.
func notice(err error) string {
	var rerr *services.RequestFailedError
	switch {
	case errors.As(err, &rerr) && rerr.StatusCode != 0:
		return rerr.Message
	case errors.As(err, &rerr):
		return "The assistant could not be reached. Please try again."
	case errors.Is(err, services.ErrNoResponseBody):
		return "The assistant did not send a response. Please try again."
	case errors.Is(err, services.ErrIdleTimeout):
		return "The assistant stopped responding. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}
