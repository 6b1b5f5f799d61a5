package hardcover

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shelfsync/shelfsync/internal/models"
	"github.com/shelfsync/shelfsync/internal/target"
)

// editionRow is the shape shared by the edition search queries.
type editionRow struct {
	ID     int     `json:"id"`
	ISBN13 *string `json:"isbn_13"`
	ISBN10 *string `json:"isbn_10"`
	ASIN   *string `json:"asin"`
	Book   struct {
		ID            int    `json:"id"`
		Title         string `json:"title"`
		Contributions []struct {
			Author struct {
				Name string `json:"name"`
			} `json:"author"`
		} `json:"contributions"`
	} `json:"book"`
}

// FindByISBN looks up editions by ISBN. The input is a normalized
// ISBN-13; Hardcover stores ISBN-10 and ISBN-13 in separate columns, so
// both are matched when the ISBN-13 has an ISBN-10 form.
func (c *Client) FindByISBN(ctx context.Context, isbn string) ([]target.Candidate, error) {
	if isbn == "" {
		return nil, nil
	}

	query := `
query FindEditionsByISBN($isbn13: String!, $isbn10: String!) {
  editions(where: {_or: [{isbn_13: {_eq: $isbn13}}, {isbn_10: {_eq: $isbn10}}]}, limit: 5) {
    id
    isbn_13
    isbn_10
    asin
    book {
      id
      title
      contributions {
        author {
          name
        }
      }
    }
  }
}`

	isbn10 := models.ISBN13To10(isbn)
	if isbn10 == "" {
		// Impossible column value, keeps the _or arm inert for
		// 979-prefixed ISBNs.
		isbn10 = "-"
	}

	var result struct {
		Editions []editionRow `json:"editions"`
	}
	if err := c.GraphQLQuery(ctx, query, map[string]interface{}{
		"isbn13": isbn,
		"isbn10": isbn10,
	}, &result); err != nil {
		return nil, fmt.Errorf("failed to search editions by ISBN: %w", err)
	}

	candidates := c.editionCandidates(result.Editions)
	c.logger.Debug("ISBN lookup finished", map[string]interface{}{
		"isbn":       isbn,
		"candidates": len(candidates),
	})
	return candidates, nil
}

// FindByASIN looks up editions by their Audible ASIN.
func (c *Client) FindByASIN(ctx context.Context, asin string) ([]target.Candidate, error) {
	if asin == "" {
		return nil, nil
	}

	query := `
query FindEditionsByASIN($asin: String!) {
  editions(where: {asin: {_eq: $asin}}, limit: 5) {
    id
    isbn_13
    isbn_10
    asin
    book {
      id
      title
      contributions {
        author {
          name
        }
      }
    }
  }
}`

	var result struct {
		Editions []editionRow `json:"editions"`
	}
	if err := c.GraphQLQuery(ctx, query, map[string]interface{}{
		"asin": asin,
	}, &result); err != nil {
		return nil, fmt.Errorf("failed to search editions by ASIN: %w", err)
	}

	candidates := c.editionCandidates(result.Editions)
	c.logger.Debug("ASIN lookup finished", map[string]interface{}{
		"asin":       asin,
		"candidates": len(candidates),
	})
	return candidates, nil
}

// FindByTitle searches books by title. Candidates carry no identifiers,
// the caller screens them by title and author instead.
func (c *Client) FindByTitle(ctx context.Context, title string) ([]target.Candidate, error) {
	if strings.TrimSpace(title) == "" {
		return nil, nil
	}

	query := `
query FindBooksByTitle($pattern: String!) {
  books(where: {title: {_ilike: $pattern}}, limit: 10) {
    id
    title
    contributions {
      author {
        name
      }
    }
  }
}`

	var result struct {
		Books []struct {
			ID            int    `json:"id"`
			Title         string `json:"title"`
			Contributions []struct {
				Author struct {
					Name string `json:"name"`
				} `json:"author"`
			} `json:"contributions"`
		} `json:"books"`
	}
	if err := c.GraphQLQuery(ctx, query, map[string]interface{}{
		"pattern": "%" + title + "%",
	}, &result); err != nil {
		return nil, fmt.Errorf("failed to search books by title: %w", err)
	}

	candidates := make([]target.Candidate, 0, len(result.Books))
	for _, b := range result.Books {
		authors := make([]string, 0, len(b.Contributions))
		for _, contrib := range b.Contributions {
			if contrib.Author.Name != "" {
				authors = append(authors, contrib.Author.Name)
			}
		}
		candidates = append(candidates, target.Candidate{
			ServiceBookID: strconv.Itoa(b.ID),
			Title:         b.Title,
			Author:        strings.Join(authors, ", "),
		})
	}

	c.logger.Debug("Title lookup finished", map[string]interface{}{
		"title":      title,
		"candidates": len(candidates),
	})
	return candidates, nil
}

// editionCandidates converts edition rows into candidates, one per
// distinct book. Different editions of the same book are not separate
// match targets.
func (c *Client) editionCandidates(editions []editionRow) []target.Candidate {
	seen := make(map[int]bool, len(editions))
	candidates := make([]target.Candidate, 0, len(editions))
	for _, ed := range editions {
		if ed.Book.ID == 0 || seen[ed.Book.ID] {
			continue
		}
		seen[ed.Book.ID] = true

		authors := make([]string, 0, len(ed.Book.Contributions))
		for _, contrib := range ed.Book.Contributions {
			if contrib.Author.Name != "" {
				authors = append(authors, contrib.Author.Name)
			}
		}

		cand := target.Candidate{
			ServiceBookID: strconv.Itoa(ed.Book.ID),
			Title:         ed.Book.Title,
			Author:        strings.Join(authors, ", "),
		}
		if ed.ISBN13 != nil {
			cand.ISBN = *ed.ISBN13
		} else if ed.ISBN10 != nil {
			cand.ISBN = *ed.ISBN10
		}
		if ed.ASIN != nil {
			cand.ASIN = *ed.ASIN
		}
		candidates = append(candidates, cand)
	}
	return candidates
}
