package hardcover

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shelfsync/shelfsync/internal/target"
)

const dateLayout = "2006-01-02"

// userBookRow is a shelf entry with its most recent read.
type userBookRow struct {
	ID       int64 `json:"id"`
	StatusID int   `json:"status_id"`
	Reads    []struct {
		ID       int64   `json:"id"`
		Progress float64 `json:"progress"`
	} `json:"user_book_reads"`
}

// CurrentProgress fetches the live shelf state for a book. A book that
// is not on the user's shelf reports zero progress.
func (c *Client) CurrentProgress(ctx context.Context, serviceBookID string) (target.Progress, error) {
	bookID, err := parseBookID(serviceBookID)
	if err != nil {
		return target.Progress{}, err
	}
	userID, err := c.GetCurrentUserID(ctx)
	if err != nil {
		return target.Progress{}, err
	}

	query := `
query UserBookProgress($bookId: Int!, $userId: Int!) {
  user_books(where: {book_id: {_eq: $bookId}, user_id: {_eq: $userId}}, limit: 1) {
    id
    status_id
    user_book_reads(order_by: {id: desc}, limit: 1) {
      id
      progress
    }
  }
}`

	var result struct {
		UserBooks []userBookRow `json:"user_books"`
	}
	if err := c.GraphQLQuery(ctx, query, map[string]interface{}{
		"bookId": bookID,
		"userId": userID,
	}, &result); err != nil {
		return target.Progress{}, fmt.Errorf("failed to fetch shelf state: %w", err)
	}

	if len(result.UserBooks) == 0 {
		return target.Progress{}, nil
	}

	ub := result.UserBooks[0]
	c.userBookIDCache.Set(serviceBookID, ub.ID, 0)

	progress := target.Progress{Finished: ub.StatusID == statusRead}
	if progress.Finished {
		progress.Percent = 100
	} else if len(ub.Reads) > 0 {
		progress.Percent = clampPercent(int(math.Floor(ub.Reads[0].Progress + 0.5)))
	}
	return progress, nil
}

// UpdateProgress writes a completion percentage to the latest read for
// the book, creating the shelf entry and the read if needed.
func (c *Client) UpdateProgress(ctx context.Context, serviceBookID string, percent int) error {
	percent = clampPercent(percent)
	userBookID, err := c.ensureUserBook(ctx, serviceBookID)
	if err != nil {
		return err
	}

	readID, err := c.latestReadID(ctx, userBookID)
	if err != nil {
		return err
	}

	if readID == 0 {
		err = c.insertRead(ctx, userBookID, map[string]interface{}{
			"progress":   float64(percent),
			"started_at": time.Now().UTC().Format(dateLayout),
		})
	} else {
		err = c.updateRead(ctx, readID, map[string]interface{}{
			"progress": float64(percent),
		})
	}
	if err != nil {
		return err
	}

	c.logger.Info("Updated reading progress", map[string]interface{}{
		"book_id":  serviceBookID,
		"progress": percent,
	})
	return nil
}

// MarkFinished sets the shelf status to read and closes out the latest
// read at 100 percent with today's finish date.
func (c *Client) MarkFinished(ctx context.Context, serviceBookID string) error {
	userBookID, err := c.ensureUserBook(ctx, serviceBookID)
	if err != nil {
		return err
	}

	if err := c.setUserBookStatus(ctx, userBookID, statusRead); err != nil {
		return err
	}

	readID, err := c.latestReadID(ctx, userBookID)
	if err != nil {
		return err
	}
	today := time.Now().UTC().Format(dateLayout)
	if readID == 0 {
		err = c.insertRead(ctx, userBookID, map[string]interface{}{
			"progress":    100.0,
			"started_at":  today,
			"finished_at": today,
		})
	} else {
		err = c.updateRead(ctx, readID, map[string]interface{}{
			"progress":    100.0,
			"finished_at": today,
		})
	}
	if err != nil {
		return err
	}

	c.logger.Info("Marked book finished", map[string]interface{}{
		"book_id": serviceBookID,
	})
	return nil
}

// ensureUserBook returns the user_book id for a book, adding the book
// to the shelf in reading state when it is missing. Books sitting in
// want-to-read are promoted, progress is about to land on them.
func (c *Client) ensureUserBook(ctx context.Context, serviceBookID string) (int64, error) {
	if id, ok := c.userBookIDCache.Get(serviceBookID); ok {
		return id, nil
	}

	bookID, err := parseBookID(serviceBookID)
	if err != nil {
		return 0, err
	}
	userID, err := c.GetCurrentUserID(ctx)
	if err != nil {
		return 0, err
	}

	query := `
query GetUserBook($bookId: Int!, $userId: Int!) {
  user_books(where: {book_id: {_eq: $bookId}, user_id: {_eq: $userId}}, limit: 1) {
    id
    status_id
  }
}`

	var result struct {
		UserBooks []userBookRow `json:"user_books"`
	}
	if err := c.GraphQLQuery(ctx, query, map[string]interface{}{
		"bookId": bookID,
		"userId": userID,
	}, &result); err != nil {
		return 0, fmt.Errorf("failed to look up shelf entry: %w", err)
	}

	if len(result.UserBooks) > 0 {
		ub := result.UserBooks[0]
		if ub.StatusID == statusWantToRead {
			if err := c.setUserBookStatus(ctx, ub.ID, statusReading); err != nil {
				return 0, err
			}
		}
		c.userBookIDCache.Set(serviceBookID, ub.ID, 0)
		return ub.ID, nil
	}

	mutation := `
mutation InsertUserBook($object: UserBookCreateInput!) {
  insert_user_book(object: $object) {
    id
    error
  }
}`

	var insertResult struct {
		InsertUserBook struct {
			ID    int64   `json:"id"`
			Error *string `json:"error"`
		} `json:"insert_user_book"`
	}
	if err := c.GraphQLMutation(ctx, mutation, map[string]interface{}{
		"object": map[string]interface{}{
			"book_id":   bookID,
			"status_id": statusReading,
		},
	}, &insertResult); err != nil {
		return 0, fmt.Errorf("failed to add book to shelf: %w", err)
	}
	if err := mutationError(insertResult.InsertUserBook.Error); err != nil {
		return 0, fmt.Errorf("failed to add book to shelf: %w", err)
	}

	c.logger.Info("Added book to shelf", map[string]interface{}{
		"book_id":      serviceBookID,
		"user_book_id": insertResult.InsertUserBook.ID,
	})
	c.userBookIDCache.Set(serviceBookID, insertResult.InsertUserBook.ID, 0)
	return insertResult.InsertUserBook.ID, nil
}

// latestReadID returns the id of the most recent read for a shelf
// entry, or zero when the book has never been started.
func (c *Client) latestReadID(ctx context.Context, userBookID int64) (int64, error) {
	query := `
query LatestUserBookRead($userBookId: Int!) {
  user_book_reads(where: {user_book_id: {_eq: $userBookId}}, order_by: {id: desc}, limit: 1) {
    id
  }
}`

	var result struct {
		Reads []struct {
			ID int64 `json:"id"`
		} `json:"user_book_reads"`
	}
	if err := c.GraphQLQuery(ctx, query, map[string]interface{}{
		"userBookId": userBookID,
	}, &result); err != nil {
		return 0, fmt.Errorf("failed to look up reads: %w", err)
	}
	if len(result.Reads) == 0 {
		return 0, nil
	}
	return result.Reads[0].ID, nil
}

func (c *Client) insertRead(ctx context.Context, userBookID int64, read map[string]interface{}) error {
	mutation := `
mutation InsertUserBookRead($userBookId: Int!, $read: DatesReadInput!) {
  insert_user_book_read(user_book_id: $userBookId, user_book_read: $read) {
    id
    error
  }
}`

	var result struct {
		InsertUserBookRead struct {
			ID    int64   `json:"id"`
			Error *string `json:"error"`
		} `json:"insert_user_book_read"`
	}
	if err := c.GraphQLMutation(ctx, mutation, map[string]interface{}{
		"userBookId": userBookID,
		"read":       read,
	}, &result); err != nil {
		return fmt.Errorf("failed to insert read: %w", err)
	}
	if err := mutationError(result.InsertUserBookRead.Error); err != nil {
		return fmt.Errorf("failed to insert read: %w", err)
	}
	return nil
}

func (c *Client) updateRead(ctx context.Context, readID int64, object map[string]interface{}) error {
	mutation := `
mutation UpdateUserBookRead($id: Int!, $object: DatesReadInput!) {
  update_user_book_read(id: $id, object: $object) {
    id
    error
  }
}`

	var result struct {
		UpdateUserBookRead struct {
			ID    int64   `json:"id"`
			Error *string `json:"error"`
		} `json:"update_user_book_read"`
	}
	if err := c.GraphQLMutation(ctx, mutation, map[string]interface{}{
		"id":     readID,
		"object": object,
	}, &result); err != nil {
		return fmt.Errorf("failed to update read: %w", err)
	}
	if err := mutationError(result.UpdateUserBookRead.Error); err != nil {
		return fmt.Errorf("failed to update read: %w", err)
	}
	return nil
}

func (c *Client) setUserBookStatus(ctx context.Context, userBookID int64, statusID int) error {
	mutation := `
mutation UpdateUserBookStatus($id: Int!, $statusId: Int!) {
  update_user_book(id: $id, object: {status_id: $statusId}) {
    id
    error
  }
}`

	var result struct {
		UpdateUserBook struct {
			ID    int64   `json:"id"`
			Error *string `json:"error"`
		} `json:"update_user_book"`
	}
	if err := c.GraphQLMutation(ctx, mutation, map[string]interface{}{
		"id":       userBookID,
		"statusId": statusID,
	}, &result); err != nil {
		return fmt.Errorf("failed to update shelf status: %w", err)
	}
	if err := mutationError(result.UpdateUserBook.Error); err != nil {
		return fmt.Errorf("failed to update shelf status: %w", err)
	}
	return nil
}

func mutationError(e *string) error {
	if e != nil && *e != "" {
		return fmt.Errorf("hardcover rejected the mutation: %s", *e)
	}
	return nil
}

func parseBookID(serviceBookID string) (int, error) {
	id, err := strconv.Atoi(serviceBookID)
	if err != nil {
		return 0, fmt.Errorf("invalid hardcover book id %q: %w", serviceBookID, err)
	}
	return id, nil
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
