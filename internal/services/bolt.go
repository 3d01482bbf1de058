package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/anyfileflow/flow-assistant/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the feedback store using a BoltDB backend. Every tool gets one bucket for its ratings
// and one for its comments, both keyed by a zero padded sequence so iteration follows insertion order.
type BoltDB struct {
	db *bolt.DB
}

var (
	// ErrInvalidRating is returned for ratings outside 1 to 5 stars.
	ErrInvalidRating = errors.New("rating must be between 1 and 5 stars")
	// ErrEmptyComment is returned for comments without text.
	ErrEmptyComment = errors.New("comment body is required")
	// ErrInvalidTool is returned for an empty tool slug.
	ErrInvalidTool = errors.New("tool slug is required")
)

const (
	maxCommentRunes = 2000
	anonymousAuthor = "Anonymous"
)

// NewBoltDB creates a new BoltDB instance with the specified file path. The database file is created with
// 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}
	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func ratingBucketName(slug string) []byte {
	return []byte(fmt.Sprintf("tool-%s-ratings", slug))
}

func commentBucketName(slug string) []byte {
	return []byte(fmt.Sprintf("tool-%s-comments", slug))
}

func sequenceKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// AddRating stores a star rating for the tool identified by slug.
func (b BoltDB) AddRating(_ context.Context, slug string, stars int) error {
	if slug == "" {
		return ErrInvalidTool
	}
	if stars < 1 || stars > 5 {
		return ErrInvalidRating
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(ratingBucketName(slug))
		if err != nil {
			return fmt.Errorf("failed to create rating bucket: %w", err)
		}

		seq, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(models.Rating{Stars: stars, Timestamp: time.Now()})
		if err != nil {
			return fmt.Errorf("failed to marshal rating: %w", err)
		}

		return bk.Put(sequenceKey(seq), v)
	})
}

// RatingSummary returns the number of ratings and their average for the tool. A tool without ratings has a
// zero summary.
func (b BoltDB) RatingSummary(_ context.Context, slug string) (models.RatingSummary, error) {
	var sum models.RatingSummary
	total := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(ratingBucketName(slug))
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var r models.Rating
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal rating: %w", err)
			}
			sum.Count++
			total += r.Stars
			return nil
		})
	})
	if err != nil {
		return models.RatingSummary{}, err
	}

	if sum.Count > 0 {
		sum.Average = float64(total) / float64(sum.Count)
	}
	return sum, nil
}

// AddComment stores a comment for the tool and returns its generated ID. The body is trimmed and capped at
// 2000 characters, an empty author is stored as "Anonymous".
func (b BoltDB) AddComment(_ context.Context, slug string, comment models.Comment) (string, error) {
	if slug == "" {
		return "", ErrInvalidTool
	}

	comment.Body = strings.TrimSpace(comment.Body)
	if comment.Body == "" {
		return "", ErrEmptyComment
	}
	if utf8.RuneCountInString(comment.Body) > maxCommentRunes {
		comment.Body = string([]rune(comment.Body)[:maxCommentRunes])
	}
	comment.Author = strings.TrimSpace(comment.Author)
	if comment.Author == "" {
		comment.Author = anonymousAuthor
	}
	comment.ID = uuid.New().String()
	comment.Timestamp = time.Now()

	err := b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(commentBucketName(slug))
		if err != nil {
			return fmt.Errorf("failed to create comment bucket: %w", err)
		}

		seq, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(comment)
		if err != nil {
			return fmt.Errorf("failed to marshal comment: %w", err)
		}

		return bk.Put(sequenceKey(seq), v)
	})
	if err != nil {
		return "", err
	}
	return comment.ID, nil
}

// Comments retrieves all comments of the tool, newest first.
func (b BoltDB) Comments(_ context.Context, slug string) ([]models.Comment, error) {
	var comments []models.Comment
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(commentBucketName(slug))
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var c models.Comment
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("failed to unmarshal comment: %w", err)
			}
			comments = append(comments, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(comments)
	return comments, nil
}
