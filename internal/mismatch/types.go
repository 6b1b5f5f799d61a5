package mismatch

import "time"

// BookMismatch is one book the resolver could not place on a target
// service, kept for operator review.
type BookMismatch struct {
	BookID     string    `json:"book_id"`
	Title      string    `json:"title"`
	Author     string    `json:"author,omitempty"`
	ISBN       string    `json:"isbn,omitempty"`
	ASIN       string    `json:"asin,omitempty"`
	Service    string    `json:"service"`
	Reason     string    `json:"reason"`
	Candidates []string  `json:"candidates,omitempty"`
	Timestamp  int64     `json:"timestamp"`
	CreatedAt  time.Time `json:"created_at"`
}
