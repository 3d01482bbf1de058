package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/anyfileflow/flow-assistant/internal/models"
	"github.com/anyfileflow/flow-assistant/internal/services"
	"github.com/go-chi/chi/v5"
)

type ratingRequest struct {
	Stars int `json:"stars"`
}

type commentRequest struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

// HandleAddRating stores a 1 to 5 star rating for a tool and returns the updated summary.
func (m Main) HandleAddRating(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	var req ratingRequest
	if isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		stars, err := strconv.Atoi(r.FormValue("stars"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "stars must be a number")
			return
		}
		req.Stars = stars
	}

	if err := m.feedback.AddRating(r.Context(), slug, req.Stars); err != nil {
		m.feedbackError(w, "Failed to add rating", slug, err)
		return
	}

	sum, err := m.feedback.RatingSummary(r.Context(), slug)
	if err != nil {
		m.feedbackError(w, "Failed to get rating summary", slug, err)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

// HandleRatings returns the rating summary of a tool.
func (m Main) HandleRatings(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	sum, err := m.feedback.RatingSummary(r.Context(), slug)
	if err != nil {
		m.feedbackError(w, "Failed to get rating summary", slug, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// HandleAddComment stores a comment on a tool.
func (m Main) HandleAddComment(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	var req commentRequest
	if isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		req.Author = r.FormValue("author")
		req.Body = r.FormValue("body")
	}

	id, err := m.feedback.AddComment(r.Context(), slug, models.Comment{Author: req.Author, Body: req.Body})
	if err != nil {
		m.feedbackError(w, "Failed to add comment", slug, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// HandleComments returns the comments on a tool, newest first.
func (m Main) HandleComments(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	comments, err := m.feedback.Comments(r.Context(), slug)
	if err != nil {
		m.feedbackError(w, "Failed to get comments", slug, err)
		return
	}
	if comments == nil {
		comments = []models.Comment{}
	}
	writeJSON(w, http.StatusOK, comments)
}

func (m Main) feedbackError(w http.ResponseWriter, msg, slug string, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidRating),
		errors.Is(err, services.ErrEmptyComment),
		errors.Is(err, services.ErrInvalidTool):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		m.logger.Error(msg, slog.String("tool", slug), slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func isJSON(r *http.Request) bool {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mediaType == "application/json"
}
