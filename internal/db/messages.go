package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/threading"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `
	account_id, id, thread_id, native_thread_id, message_id_header, in_reply_to, reference_ids,
	from_address, from_name, to_addresses, cc_addresses, bcc_addresses, reply_to,
	subject, snippet, body_html, body_text, sent_at, received_at,
	is_read, is_starred, is_draft, raw_size, label_ids,
	list_unsubscribe, list_unsubscribe_post, auth_results, imap_uid, imap_folder`

// SaveMessage saves or updates a message and its attachment descriptors.
// Body columns keep their stored value when the new one is nil. Message-ID headers are stored
// without angle brackets.
func SaveMessage(ctx context.Context, pool *pgxpool.Pool, message *models.Message) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
		ON CONFLICT (account_id, id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			native_thread_id = EXCLUDED.native_thread_id,
			message_id_header = EXCLUDED.message_id_header,
			in_reply_to = EXCLUDED.in_reply_to,
			reference_ids = EXCLUDED.reference_ids,
			from_address = EXCLUDED.from_address,
			from_name = EXCLUDED.from_name,
			to_addresses = EXCLUDED.to_addresses,
			cc_addresses = EXCLUDED.cc_addresses,
			bcc_addresses = EXCLUDED.bcc_addresses,
			reply_to = EXCLUDED.reply_to,
			subject = EXCLUDED.subject,
			snippet = CASE WHEN EXCLUDED.snippet = '' THEN messages.snippet ELSE EXCLUDED.snippet END,
			body_html = COALESCE(EXCLUDED.body_html, messages.body_html),
			body_text = COALESCE(EXCLUDED.body_text, messages.body_text),
			sent_at = EXCLUDED.sent_at,
			received_at = EXCLUDED.received_at,
			is_read = EXCLUDED.is_read,
			is_starred = EXCLUDED.is_starred,
			is_draft = EXCLUDED.is_draft,
			raw_size = EXCLUDED.raw_size,
			label_ids = EXCLUDED.label_ids,
			list_unsubscribe = EXCLUDED.list_unsubscribe,
			list_unsubscribe_post = EXCLUDED.list_unsubscribe_post,
			auth_results = EXCLUDED.auth_results,
			imap_uid = EXCLUDED.imap_uid,
			imap_folder = EXCLUDED.imap_folder,
			updated_at = now()
	`,
		message.AccountID, message.ID, message.ThreadID, message.NativeThreadID,
		threading.NormalizeMessageID(message.MessageIDHeader),
		threading.NormalizeMessageIDs(message.InReplyTo), threading.NormalizeMessageIDs(message.References),
		message.FromAddress, message.FromName, nonNil(message.ToAddresses), nonNil(message.CCAddresses),
		nonNil(message.BCCAddresses), message.ReplyTo,
		message.Subject, message.Snippet, message.BodyHTML, message.BodyText,
		nullTime(message.SentAt), nullTime(message.ReceivedAt),
		message.IsRead, message.IsStarred, message.IsDraft, message.RawSize, nonNil(message.LabelIDs),
		message.ListUnsubscribe, message.ListUnsubscribePost, message.AuthResults,
		int64(message.IMAPUID), message.IMAPFolder,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	for _, a := range message.Attachments {
		_, err := tx.Exec(ctx, `
			INSERT INTO attachments (
				account_id, message_id, part_id, provider_id, filename, mime_type, size_bytes, is_inline, content_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (account_id, message_id, part_id) DO UPDATE SET
				provider_id = EXCLUDED.provider_id,
				filename = EXCLUDED.filename,
				mime_type = EXCLUDED.mime_type,
				size_bytes = EXCLUDED.size_bytes,
				is_inline = EXCLUDED.is_inline,
				content_id = EXCLUDED.content_id
		`, message.AccountID, message.ID, a.PartID, a.ProviderID, a.Filename, a.MimeType, a.SizeBytes, a.IsInline, a.ContentID)
		if err != nil {
			return fmt.Errorf("failed to save attachment: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// GetMessage returns one message with its attachments.
func GetMessage(ctx context.Context, pool *pgxpool.Pool, accountID, id string) (*models.Message, error) {
	row := pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE account_id = $1 AND id = $2`, accountID, id)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	attachments, err := getAttachments(ctx, pool, accountID, id)
	if err != nil {
		return nil, err
	}
	msg.Attachments = attachments
	return msg, nil
}

// GetMessagesForThread returns all messages for a thread ordered by date.
func GetMessagesForThread(ctx context.Context, pool *pgxpool.Pool, accountID, threadID string) ([]models.Message, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE account_id = $1 AND thread_id = $2
		ORDER BY sent_at NULLS LAST, id
	`, accountID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	for i := range messages {
		attachments, err := getAttachments(ctx, pool, accountID, messages[i].ID)
		if err != nil {
			return nil, err
		}
		messages[i].Attachments = attachments
	}
	return messages, nil
}

// FindThreadIDByMessageIDs returns the thread of any stored message whose Message-ID header is in
// headers, or an empty string.
func FindThreadIDByMessageIDs(ctx context.Context, pool *pgxpool.Pool, accountID string, headers []string) (string, error) {
	if len(headers) == 0 {
		return "", nil
	}

	var threadID string
	err := pool.QueryRow(ctx, `
		SELECT thread_id FROM messages
		WHERE account_id = $1 AND message_id_header = ANY($2)
		ORDER BY sent_at NULLS LAST, id
		LIMIT 1
	`, accountID, headers).Scan(&threadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find thread by message ids: %w", err)
	}
	return threadID, nil
}

// FindThreadIDsReferencing returns the distinct threads of stored messages whose In-Reply-To or
// References contain one of headers.
func FindThreadIDsReferencing(ctx context.Context, pool *pgxpool.Pool, accountID string, headers []string) ([]string, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	rows, err := pool.Query(ctx, `
		SELECT DISTINCT thread_id FROM messages
		WHERE account_id = $1 AND thread_id <> ''
			AND (in_reply_to && $2::text[] OR reference_ids && $2::text[])
		ORDER BY thread_id
	`, accountID, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to find threads referencing message ids: %w", err)
	}
	threadIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan referencing threads: %w", err)
	}
	return threadIDs, nil
}

// MoveThreadMessages reassigns every message of thread from to thread to.
func MoveThreadMessages(ctx context.Context, pool *pgxpool.Pool, accountID, from, to string) error {
	_, err := pool.Exec(ctx, `
		UPDATE messages SET thread_id = $3, updated_at = now()
		WHERE account_id = $1 AND thread_id = $2
	`, accountID, from, to)
	if err != nil {
		return fmt.Errorf("failed to move messages of thread %s: %w", from, err)
	}
	return nil
}

// MessageIDsInFolder lists the ids of IMAP messages stored for one folder.
func MessageIDsInFolder(ctx context.Context, pool *pgxpool.Pool, accountID, folder string) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT id FROM messages WHERE account_id = $1 AND imap_folder = $2 ORDER BY id
	`, accountID, folder)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder messages: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan folder messages: %w", err)
	}
	return ids, nil
}

// DeleteMessages removes messages and returns the distinct threads they belonged to.
func DeleteMessages(ctx context.Context, pool *pgxpool.Pool, accountID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := pool.Query(ctx, `
		DELETE FROM messages WHERE account_id = $1 AND id = ANY($2)
		RETURNING thread_id
	`, accountID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to delete messages: %w", err)
	}
	defer rows.Close()

	seen := map[string]bool{}
	var threadIDs []string
	for rows.Next() {
		var threadID string
		if err := rows.Scan(&threadID); err != nil {
			return nil, fmt.Errorf("failed to scan deleted message: %w", err)
		}
		if !seen[threadID] {
			seen[threadID] = true
			threadIDs = append(threadIDs, threadID)
		}
	}
	return threadIDs, rows.Err()
}

func getAttachments(ctx context.Context, pool *pgxpool.Pool, accountID, messageID string) ([]models.Attachment, error) {
	rows, err := pool.Query(ctx, `
		SELECT part_id, provider_id, filename, mime_type, size_bytes, is_inline, content_id
		FROM attachments
		WHERE account_id = $1 AND message_id = $2
		ORDER BY part_id
	`, accountID, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	var attachments []models.Attachment
	for rows.Next() {
		a := models.Attachment{MessageID: messageID}
		if err := rows.Scan(&a.PartID, &a.ProviderID, &a.Filename, &a.MimeType, &a.SizeBytes, &a.IsInline, &a.ContentID); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.ID = messageID + "/" + a.PartID
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	var sentAt, receivedAt *time.Time
	var uid int64
	err := row.Scan(
		&msg.AccountID, &msg.ID, &msg.ThreadID, &msg.NativeThreadID, &msg.MessageIDHeader,
		&msg.InReplyTo, &msg.References,
		&msg.FromAddress, &msg.FromName, &msg.ToAddresses, &msg.CCAddresses, &msg.BCCAddresses, &msg.ReplyTo,
		&msg.Subject, &msg.Snippet, &msg.BodyHTML, &msg.BodyText, &sentAt, &receivedAt,
		&msg.IsRead, &msg.IsStarred, &msg.IsDraft, &msg.RawSize, &msg.LabelIDs,
		&msg.ListUnsubscribe, &msg.ListUnsubscribePost, &msg.AuthResults, &uid, &msg.IMAPFolder,
	)
	if err != nil {
		return nil, err
	}
	if sentAt != nil {
		msg.SentAt = *sentAt
	}
	if receivedAt != nil {
		msg.ReceivedAt = *receivedAt
	}
	msg.IMAPUID = uint32(uid)
	return &msg, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
