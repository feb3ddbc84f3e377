package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// SaveLabels upserts the labels observed during a pass. Labels are never removed here.
func SaveLabels(ctx context.Context, pool *pgxpool.Pool, labels []models.Label) error {
	if len(labels) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, l := range labels {
		batch.Queue(`
			INSERT INTO labels (account_id, id, name, type, path, unread_count, total_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (account_id, id) DO UPDATE SET
				name = EXCLUDED.name,
				type = EXCLUDED.type,
				path = EXCLUDED.path,
				unread_count = EXCLUDED.unread_count,
				total_count = EXCLUDED.total_count,
				updated_at = now()
		`, l.AccountID, l.ID, l.Name, string(l.Type), l.Path, l.UnreadCount, l.TotalCount)
	}

	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save labels: %w", err)
	}
	return nil
}

// GetLabels returns all labels of an account ordered by type and name.
func GetLabels(ctx context.Context, pool *pgxpool.Pool, accountID string) ([]models.Label, error) {
	rows, err := pool.Query(ctx, `
		SELECT account_id, id, name, type, path, unread_count, total_count
		FROM labels
		WHERE account_id = $1
		ORDER BY type, name
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get labels: %w", err)
	}
	defer rows.Close()

	var labels []models.Label
	for rows.Next() {
		var l models.Label
		var labelType string
		if err := rows.Scan(&l.AccountID, &l.ID, &l.Name, &labelType, &l.Path, &l.UnreadCount, &l.TotalCount); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		l.Type = models.LabelType(labelType)
		labels = append(labels, l)
	}
	return labels, rows.Err()
}
