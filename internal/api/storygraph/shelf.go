package storygraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/shelfsync/shelfsync/internal/target"
)

var (
	progressRe   = regexp.MustCompile(`(\d+)%\s*complete`)
	formActionRe = regexp.MustCompile(`progress|reading|status`)
)

// CurrentProgress scrapes the book page. The shelf state is rendered in
// the read status label, the progress bar text carries the percentage.
func (c *Client) CurrentProgress(ctx context.Context, serviceBookID string) (target.Progress, error) {
	doc, err := c.fetchDocument(ctx, "/books/"+url.PathEscape(serviceBookID))
	if err != nil {
		return target.Progress{}, err
	}
	c.rememberCSRF(doc)

	status := strings.ToLower(collapseSpace(doc.Find(".read-status-label").First().Text()))
	progress := target.Progress{
		Finished: status == "read" || status == "finished",
	}
	if progress.Finished {
		progress.Percent = 100
		return progress, nil
	}

	if m := progressRe.FindStringSubmatch(doc.Text()); m != nil {
		percent, err := strconv.Atoi(m[1])
		if err == nil {
			if percent > 100 {
				percent = 100
			}
			progress.Percent = percent
		}
	}
	return progress, nil
}

// UpdateProgress posts a new completion percentage through the book
// page's progress form.
func (c *Client) UpdateProgress(ctx context.Context, serviceBookID string, percent int) error {
	if err := c.setProgress(ctx, serviceBookID, percent, ""); err != nil {
		return err
	}
	c.logger.Info("Updated reading progress", map[string]interface{}{
		"book_id":  serviceBookID,
		"progress": percent,
	})
	return nil
}

// MarkFinished moves the book to the read shelf at 100 percent.
func (c *Client) MarkFinished(ctx context.Context, serviceBookID string) error {
	if err := c.setProgress(ctx, serviceBookID, 100, "finished"); err != nil {
		return err
	}
	c.logger.Info("Marked book finished", map[string]interface{}{
		"book_id": serviceBookID,
	})
	return nil
}

// setProgress drives whichever shelf form the book page offers. Books
// not yet on a shelf have no form, those fall back to the read status
// endpoint the UI calls when a book is first picked up.
func (c *Client) setProgress(ctx context.Context, serviceBookID string, percent int, status string) error {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}

	doc, err := c.fetchDocument(ctx, "/books/"+url.PathEscape(serviceBookID))
	if err != nil {
		return err
	}
	c.rememberCSRF(doc)

	form := doc.Find("form").FilterFunction(func(_ int, f *goquery.Selection) bool {
		return formActionRe.MatchString(f.AttrOr("action", ""))
	}).First()
	if form.Length() == 0 {
		return c.postReadStatus(ctx, serviceBookID, percent, status)
	}

	data := url.Values{}
	form.Find("input").Each(func(_ int, input *goquery.Selection) {
		if name := input.AttrOr("name", ""); name != "" {
			data.Set(name, input.AttrOr("value", ""))
		}
	})
	data.Set("progress", strconv.Itoa(percent))
	if status != "" {
		data.Set("status", status)
	}

	resp, err := c.postForm(ctx, form.AttrOr("action", ""), data)
	if err != nil {
		return fmt.Errorf("failed to submit progress form: %w", err)
	}
	resp.Body.Close()
	return nil
}

// postReadStatus creates the shelf entry with an initial progress.
func (c *Client) postReadStatus(ctx context.Context, serviceBookID string, percent int, status string) error {
	if status == "" {
		status = "currently_reading"
	}
	payload, err := json.Marshal(map[string]interface{}{
		"status":   status,
		"progress": percent,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal read status: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/books/"+url.PathEscape(serviceBookID)+"/read_statuses", bytes.NewReader(payload), "application/json")
	if err != nil {
		return fmt.Errorf("failed to create read status: %w", err)
	}
	resp.Body.Close()
	return nil
}
