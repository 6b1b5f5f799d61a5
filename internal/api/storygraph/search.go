package storygraph

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/shelfsync/shelfsync/internal/target"
)

var bookHrefRe = regexp.MustCompile(`/books/([A-Za-z0-9-]+)`)

// FindByISBN searches with the ISBN as the query string. The site
// resolves identifier queries itself, search results never expose the
// ISBN for verification.
func (c *Client) FindByISBN(ctx context.Context, isbn string) ([]target.Candidate, error) {
	return c.search(ctx, isbn)
}

// FindByASIN searches with the ASIN as the query string.
func (c *Client) FindByASIN(ctx context.Context, asin string) ([]target.Candidate, error) {
	return c.search(ctx, asin)
}

// FindByTitle searches by title.
func (c *Client) FindByTitle(ctx context.Context, title string) ([]target.Candidate, error) {
	return c.search(ctx, title)
}

// search runs one query against the site search and scrapes the result
// list. Every result is an anchor to /books/<id>; the surrounding
// block carries the author link.
func (c *Client) search(ctx context.Context, query string) ([]target.Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	doc, err := c.fetchDocument(ctx, "/search?q="+url.QueryEscape(query))
	if err != nil {
		return nil, err
	}
	c.rememberCSRF(doc)

	seen := make(map[string]bool)
	var candidates []target.Candidate
	doc.Find(`a[href*="/books/"]`).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		id := bookIDFromHref(a.AttrOr("href", ""))
		if id == "" || seen[id] {
			return true
		}
		// Cover image links carry no text, the title link does.
		title := collapseSpace(a.Text())
		if title == "" {
			return true
		}
		seen[id] = true

		author := collapseSpace(a.Closest("div").Find(`a[href*="/authors/"]`).First().Text())
		candidates = append(candidates, target.Candidate{
			ServiceBookID: id,
			Title:         title,
			Author:        author,
		})
		return len(candidates) < maxSearched
	})

	c.logger.Debug("Search finished", map[string]interface{}{
		"query":      query,
		"candidates": len(candidates),
	})
	return candidates, nil
}

// bookIDFromHref extracts the book id from a /books/<id> link.
func bookIDFromHref(href string) string {
	m := bookHrefRe.FindStringSubmatch(href)
	if m == nil {
		return ""
	}
	return m[1]
}

// collapseSpace trims and squeezes whitespace, scraped text is full of
// layout noise.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
