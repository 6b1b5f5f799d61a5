// Package audiobookshelf reads listening progress from an
// Audiobookshelf server. It is the source side of the sync: everything
// here is read-only and fetched fresh at the start of each run.
package audiobookshelf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/models"
)

const apiPath = "/api"

// Snapshot is the complete listening state pulled in one pass. Invalid
// counts source records dropped at ingest (missing titles), which the
// run result reports but never treats as an error.
type Snapshot struct {
	Books   []models.Audiobook
	Invalid int
}

// Client is a client for the Audiobookshelf API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *logger.Logger
	exclude map[string]bool
}

// NewClient creates a new Audiobookshelf client. A nil logger falls
// back to the global one.
func NewClient(baseURL, token string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Get()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log.With(map[string]interface{}{"component": "audiobookshelf_client"}),
	}
}

// ExcludeLibraries drops items from the given library IDs when building
// snapshots. Call before the first run; empty and blank IDs are ignored.
func (c *Client) ExcludeLibraries(ids []string) {
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if c.exclude == nil {
			c.exclude = make(map[string]bool, len(ids))
		}
		c.exclude[id] = true
	}
}

// statusError is returned for non-2xx responses so callers can
// distinguish a 404 from a real failure.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// get fetches path and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPath+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Unexpected status code", map[string]interface{}{
			"path":   path,
			"status": resp.StatusCode,
		})
		return &statusError{Code: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Wire types for the Audiobookshelf endpoints we consume.
type libraryItem struct {
	ID        string `json:"id"`
	LibraryID string `json:"libraryId"`
	Media     struct {
		Metadata struct {
			Title      string `json:"title"`
			AuthorName string `json:"authorName"`
			ISBN       string `json:"isbn"`
			ASIN       string `json:"asin"`
		} `json:"metadata"`
		Duration float64 `json:"duration"`
	} `json:"media"`
}

type mediaProgress struct {
	LibraryItemID string  `json:"libraryItemId"`
	CurrentTime   float64 `json:"currentTime"`
	IsFinished    bool    `json:"isFinished"`
	LastUpdate    int64   `json:"lastUpdate"`
}

// GetListeningBooks fetches every book the user has started, with its
// metadata and current progress. It either returns the full snapshot or
// an error, a half-fetched snapshot is never acted on.
func (c *Client) GetListeningBooks(ctx context.Context) (*Snapshot, error) {
	var inProgress struct {
		LibraryItems []libraryItem `json:"libraryItems"`
	}
	if err := c.get(ctx, "/me/items-in-progress", &inProgress); err != nil {
		return nil, fmt.Errorf("failed to fetch items in progress: %w", err)
	}

	c.logger.Debug("Fetched in-progress items", map[string]interface{}{
		"count": len(inProgress.LibraryItems),
	})

	snapshot := &Snapshot{Books: make([]models.Audiobook, 0, len(inProgress.LibraryItems))}
	for _, stub := range inProgress.LibraryItems {
		if c.exclude[stub.LibraryID] {
			c.logger.Debug("Skipping item from excluded library", map[string]interface{}{
				"item_id":    stub.ID,
				"library_id": stub.LibraryID,
			})
			continue
		}
		book, ok, err := c.fetchBook(ctx, stub.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			snapshot.Invalid++
			continue
		}
		snapshot.Books = append(snapshot.Books, book)
	}

	c.logger.Info("Fetched listening snapshot", map[string]interface{}{
		"books":   len(snapshot.Books),
		"invalid": snapshot.Invalid,
	})
	return snapshot, nil
}

// fetchBook loads one item's metadata and progress and converts them to
// the domain record. ok is false when the record is unusable.
func (c *Client) fetchBook(ctx context.Context, itemID string) (models.Audiobook, bool, error) {
	var item libraryItem
	if err := c.get(ctx, "/items/"+itemID, &item); err != nil {
		return models.Audiobook{}, false, fmt.Errorf("failed to fetch item %s: %w", itemID, err)
	}

	var progress mediaProgress
	if err := c.get(ctx, "/me/progress/"+itemID, &progress); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			// Listed as in progress but no progress row yet, treat as
			// unstarted.
			c.logger.Debug("No progress recorded for item", map[string]interface{}{"item_id": itemID})
		} else {
			return models.Audiobook{}, false, fmt.Errorf("failed to fetch progress for item %s: %w", itemID, err)
		}
	}

	title := strings.TrimSpace(item.Media.Metadata.Title)
	if title == "" {
		c.logger.Warn("Dropping item without a title", map[string]interface{}{"item_id": itemID})
		return models.Audiobook{}, false, nil
	}

	total := secondsToDuration(item.Media.Duration)
	listened := secondsToDuration(progress.CurrentTime)
	if listened > total {
		c.logger.Warn("Listened time exceeds total, clamping", map[string]interface{}{
			"item_id":  itemID,
			"listened": listened.String(),
			"total":    total.String(),
		})
		listened = total
	}
	if listened < 0 {
		listened = 0
	}

	book := models.Audiobook{
		ID:               itemID,
		Title:            title,
		Author:           strings.TrimSpace(item.Media.Metadata.AuthorName),
		ISBN:             models.NormalizeISBN(item.Media.Metadata.ISBN),
		ASIN:             models.NormalizeASIN(item.Media.Metadata.ASIN),
		TotalDuration:    total,
		ListenedDuration: listened,
		Finished:         progress.IsFinished,
	}
	if progress.LastUpdate > 0 {
		book.LastListenedAt = time.UnixMilli(progress.LastUpdate)
	}
	return book, true, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
