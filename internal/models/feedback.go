package models

import "time"

// Rating is a single star rating left for a tool.
type Rating struct {
	Stars     int       `json:"stars"`
	Timestamp time.Time `json:"timestamp"`
}

// RatingSummary aggregates all ratings of a tool.
type RatingSummary struct {
	Count   int     `json:"count"`
	Average float64 `json:"average"`
}

// Comment is a visitor comment left on a tool page.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}
