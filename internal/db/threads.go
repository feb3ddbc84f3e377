package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrThreadNotFound is returned when a thread is not found.
var ErrThreadNotFound = errors.New("thread not found")

// SaveThread inserts or replaces a thread row including its label set.
func SaveThread(ctx context.Context, pool *pgxpool.Pool, thread *models.Thread) error {
	labelIDs := thread.LabelIDs
	if labelIDs == nil {
		labelIDs = []string{}
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO threads (
			account_id, id, subject, snippet, last_message_at, message_count,
			is_read, is_starred, has_attachments, label_ids
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id, id) DO UPDATE SET
			subject = EXCLUDED.subject,
			snippet = EXCLUDED.snippet,
			last_message_at = EXCLUDED.last_message_at,
			message_count = EXCLUDED.message_count,
			is_read = EXCLUDED.is_read,
			is_starred = EXCLUDED.is_starred,
			has_attachments = EXCLUDED.has_attachments,
			label_ids = EXCLUDED.label_ids,
			updated_at = now()
	`,
		thread.AccountID, thread.ID, thread.Subject, thread.Snippet, nullTime(thread.LastMessageAt),
		thread.MessageCount, thread.IsRead, thread.IsStarred, thread.HasAttachments, labelIDs,
	)
	if err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}
	return nil
}

// SetThreadLabels replaces the label set of a thread.
func SetThreadLabels(ctx context.Context, pool *pgxpool.Pool, accountID, threadID string, labelIDs []string) error {
	if labelIDs == nil {
		labelIDs = []string{}
	}
	tag, err := pool.Exec(ctx, `
		UPDATE threads SET label_ids = $3, updated_at = now()
		WHERE account_id = $1 AND id = $2
	`, accountID, threadID, labelIDs)
	if err != nil {
		return fmt.Errorf("failed to set thread labels: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// GetThread returns a thread by id.
func GetThread(ctx context.Context, pool *pgxpool.Pool, accountID, threadID string) (*models.Thread, error) {
	var thread models.Thread
	var lastMessageAt *time.Time

	err := pool.QueryRow(ctx, `
		SELECT account_id, id, subject, snippet, last_message_at, message_count,
			is_read, is_starred, has_attachments, label_ids
		FROM threads
		WHERE account_id = $1 AND id = $2
	`, accountID, threadID).Scan(
		&thread.AccountID,
		&thread.ID,
		&thread.Subject,
		&thread.Snippet,
		&lastMessageAt,
		&thread.MessageCount,
		&thread.IsRead,
		&thread.IsStarred,
		&thread.HasAttachments,
		&thread.LabelIDs,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	if lastMessageAt != nil {
		thread.LastMessageAt = *lastMessageAt
	}
	return &thread, nil
}

// DeleteThread removes a thread row. Deleting a missing thread is not an error.
func DeleteThread(ctx context.Context, pool *pgxpool.Pool, accountID, threadID string) error {
	if _, err := pool.Exec(ctx, `DELETE FROM threads WHERE account_id = $1 AND id = $2`, accountID, threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
