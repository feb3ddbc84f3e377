package localdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/threading"
)

// UpsertLabels inserts or updates the labels observed during a pass.
func (s *Store) UpsertLabels(ctx context.Context, labels []models.Label) error {
	if len(labels) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO labels (account_id, id, name, type, path, unread_count, total_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			path = excluded.path,
			unread_count = excluded.unread_count,
			total_count = excluded.total_count`)
	if err != nil {
		return fmt.Errorf("preparing label upsert: %w", err)
	}
	defer stmt.Close()

	for _, l := range labels {
		if _, err := stmt.ExecContext(ctx, l.AccountID, l.ID, l.Name, string(l.Type), l.Path, l.UnreadCount, l.TotalCount); err != nil {
			return fmt.Errorf("upserting label %s: %w", l.ID, err)
		}
	}
	return tx.Commit()
}

// ListLabels returns the labels of an account ordered by type and name.
func (s *Store) ListLabels(ctx context.Context, accountID string) ([]models.Label, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT account_id, id, name, type, path, unread_count, total_count
		FROM labels WHERE account_id = ? ORDER BY type, name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying labels: %w", err)
	}
	defer rows.Close()

	var labels []models.Label
	for rows.Next() {
		var l models.Label
		var labelType string
		if err := rows.Scan(&l.AccountID, &l.ID, &l.Name, &labelType, &l.Path, &l.UnreadCount, &l.TotalCount); err != nil {
			return nil, fmt.Errorf("scanning label row: %w", err)
		}
		l.Type = models.LabelType(labelType)
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

// UpsertThread inserts or replaces a thread row.
func (s *Store) UpsertThread(ctx context.Context, t *models.Thread) error {
	labelIDs, err := encodeList(t.LabelIDs)
	if err != nil {
		return fmt.Errorf("marshaling thread labels: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (
			account_id, id, subject, snippet, last_message_at, message_count,
			is_read, is_starred, has_attachments, label_ids
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, id) DO UPDATE SET
			subject = excluded.subject,
			snippet = excluded.snippet,
			last_message_at = excluded.last_message_at,
			message_count = excluded.message_count,
			is_read = excluded.is_read,
			is_starred = excluded.is_starred,
			has_attachments = excluded.has_attachments,
			label_ids = excluded.label_ids`,
		t.AccountID, t.ID, t.Subject, t.Snippet, toNanos(t.LastMessageAt), t.MessageCount,
		boolToInt(t.IsRead), boolToInt(t.IsStarred), boolToInt(t.HasAttachments), labelIDs,
	)
	if err != nil {
		return fmt.Errorf("upserting thread %s: %w", t.ID, err)
	}
	return nil
}

// SetThreadLabels replaces the label set of a thread. A missing thread is ignored.
func (s *Store) SetThreadLabels(ctx context.Context, accountID, threadID string, labelIDs []string) error {
	encoded, err := encodeList(labelIDs)
	if err != nil {
		return fmt.Errorf("marshaling thread labels: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE threads SET label_ids = ? WHERE account_id = ? AND id = ?`, encoded, accountID, threadID); err != nil {
		return fmt.Errorf("setting labels of thread %s: %w", threadID, err)
	}
	return nil
}

// GetThread returns a thread, or nil if it does not exist.
func (s *Store) GetThread(ctx context.Context, accountID, threadID string) (*models.Thread, error) {
	var (
		t             models.Thread
		lastMessageAt int64
		labelIDs      string
	)
	err := s.db.QueryRowxContext(ctx, `
		SELECT account_id, id, subject, snippet, last_message_at, message_count,
			is_read, is_starred, has_attachments, label_ids
		FROM threads WHERE account_id = ? AND id = ?`, accountID, threadID).Scan(
		&t.AccountID, &t.ID, &t.Subject, &t.Snippet, &lastMessageAt, &t.MessageCount,
		&t.IsRead, &t.IsStarred, &t.HasAttachments, &labelIDs,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting thread %s: %w", threadID, err)
	}
	t.LastMessageAt = fromNanos(lastMessageAt)
	if t.LabelIDs, err = decodeList(labelIDs); err != nil {
		return nil, fmt.Errorf("unmarshaling thread labels: %w", err)
	}
	return &t, nil
}

// DeleteThread removes a thread row.
func (s *Store) DeleteThread(ctx context.Context, accountID, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE account_id = ? AND id = ?`, accountID, threadID); err != nil {
		return fmt.Errorf("deleting thread %s: %w", threadID, err)
	}
	return nil
}

const messageColumns = `
	account_id, id, thread_id, native_thread_id, message_id_header, in_reply_to, reference_ids,
	from_address, from_name, to_addresses, cc_addresses, bcc_addresses, reply_to,
	subject, snippet, body_html, body_text, sent_at, received_at,
	is_read, is_starred, is_draft, raw_size, label_ids,
	list_unsubscribe, list_unsubscribe_post, auth_results, imap_uid, imap_folder`

// UpsertMessage inserts or updates a message and its attachment descriptors.
// Nil bodies and an empty snippet keep the stored values. Message-ID headers are stored without
// angle brackets.
func (s *Store) UpsertMessage(ctx context.Context, m *models.Message) error {
	lists := make([]string, 0, 6)
	for _, l := range [][]string{threading.NormalizeMessageIDs(m.InReplyTo), threading.NormalizeMessageIDs(m.References), m.ToAddresses, m.CCAddresses, m.BCCAddresses, m.LabelIDs} {
		encoded, err := encodeList(l)
		if err != nil {
			return fmt.Errorf("marshaling message %s: %w", m.ID, err)
		}
		lists = append(lists, encoded)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, id) DO UPDATE SET
			thread_id = excluded.thread_id,
			native_thread_id = excluded.native_thread_id,
			message_id_header = excluded.message_id_header,
			in_reply_to = excluded.in_reply_to,
			reference_ids = excluded.reference_ids,
			from_address = excluded.from_address,
			from_name = excluded.from_name,
			to_addresses = excluded.to_addresses,
			cc_addresses = excluded.cc_addresses,
			bcc_addresses = excluded.bcc_addresses,
			reply_to = excluded.reply_to,
			subject = excluded.subject,
			snippet = CASE WHEN excluded.snippet = '' THEN messages.snippet ELSE excluded.snippet END,
			body_html = COALESCE(excluded.body_html, messages.body_html),
			body_text = COALESCE(excluded.body_text, messages.body_text),
			sent_at = excluded.sent_at,
			received_at = excluded.received_at,
			is_read = excluded.is_read,
			is_starred = excluded.is_starred,
			is_draft = excluded.is_draft,
			raw_size = excluded.raw_size,
			label_ids = excluded.label_ids,
			list_unsubscribe = excluded.list_unsubscribe,
			list_unsubscribe_post = excluded.list_unsubscribe_post,
			auth_results = excluded.auth_results,
			imap_uid = excluded.imap_uid,
			imap_folder = excluded.imap_folder`,
		m.AccountID, m.ID, m.ThreadID, m.NativeThreadID, threading.NormalizeMessageID(m.MessageIDHeader), lists[0], lists[1],
		m.FromAddress, m.FromName, lists[2], lists[3], lists[4], m.ReplyTo,
		m.Subject, m.Snippet, nullString(m.BodyHTML), nullString(m.BodyText), toNanos(m.SentAt), toNanos(m.ReceivedAt),
		boolToInt(m.IsRead), boolToInt(m.IsStarred), boolToInt(m.IsDraft), m.RawSize, lists[5],
		m.ListUnsubscribe, m.ListUnsubscribePost, m.AuthResults, int64(m.IMAPUID), m.IMAPFolder,
	)
	if err != nil {
		return fmt.Errorf("upserting message %s: %w", m.ID, err)
	}

	for _, a := range m.Attachments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (
				account_id, message_id, part_id, provider_id, filename, mime_type, size_bytes, is_inline, content_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (account_id, message_id, part_id) DO UPDATE SET
				provider_id = excluded.provider_id,
				filename = excluded.filename,
				mime_type = excluded.mime_type,
				size_bytes = excluded.size_bytes,
				is_inline = excluded.is_inline,
				content_id = excluded.content_id`,
			m.AccountID, m.ID, a.PartID, a.ProviderID, a.Filename, a.MimeType, a.SizeBytes, boolToInt(a.IsInline), a.ContentID,
		)
		if err != nil {
			return fmt.Errorf("upserting attachment %s of %s: %w", a.PartID, m.ID, err)
		}
	}
	return tx.Commit()
}

// GetMessage returns a message with its attachments, or nil if it does not exist.
func (s *Store) GetMessage(ctx context.Context, accountID, id string) (*models.Message, error) {
	row := s.db.QueryRowxContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE account_id = ? AND id = ?`, accountID, id)
	m, err := scanMessage(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	if m.Attachments, err = s.attachments(ctx, accountID, id); err != nil {
		return nil, err
	}
	return m, nil
}

// MessagesForThread returns the messages of a thread ordered by date.
func (s *Store) MessagesForThread(ctx context.Context, accountID, threadID string) ([]models.Message, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE account_id = ? AND thread_id = ?
		ORDER BY sent_at = 0, sent_at, id`, accountID, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying messages of thread %s: %w", threadID, err)
	}

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		messages = append(messages, *m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The single connection is free again once rows is closed.
	for i := range messages {
		if messages[i].Attachments, err = s.attachments(ctx, accountID, messages[i].ID); err != nil {
			return nil, err
		}
	}
	return messages, nil
}

// MessageIDsInFolder lists the ids of IMAP messages stored for one folder.
func (s *Store) MessageIDsInFolder(ctx context.Context, accountID, folder string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM messages WHERE account_id = ? AND imap_folder = ? ORDER BY id`, accountID, folder)
	if err != nil {
		return nil, fmt.Errorf("listing folder messages: %w", err)
	}
	return ids, nil
}

// FindThreadIDByMessageIDs returns the thread of the oldest stored message whose Message-ID header
// is one of headers, or an empty string.
func (s *Store) FindThreadIDByMessageIDs(ctx context.Context, accountID string, headers []string) (string, error) {
	if len(headers) == 0 {
		return "", nil
	}
	query, args, err := sqlx.In(`
		SELECT thread_id FROM messages
		WHERE account_id = ? AND message_id_header IN (?)
		ORDER BY sent_at = 0, sent_at, id
		LIMIT 1`, accountID, headers)
	if err != nil {
		return "", fmt.Errorf("building thread lookup: %w", err)
	}

	var threadID string
	err = s.db.GetContext(ctx, &threadID, s.db.Rebind(query), args...)
	if isNoRows(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("finding thread by message ids: %w", err)
	}
	return threadID, nil
}

// FindThreadIDsReferencing returns the distinct threads of stored messages whose In-Reply-To or
// References contain one of headers.
func (s *Store) FindThreadIDsReferencing(ctx context.Context, accountID string, headers []string) ([]string, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT DISTINCT m.thread_id FROM messages m
		WHERE m.account_id = ? AND m.thread_id != '' AND (
			EXISTS (SELECT 1 FROM json_each(m.in_reply_to) r WHERE r.value IN (?))
			OR EXISTS (SELECT 1 FROM json_each(m.reference_ids) r WHERE r.value IN (?))
		)
		ORDER BY m.thread_id`, accountID, headers, headers)
	if err != nil {
		return nil, fmt.Errorf("building reply lookup: %w", err)
	}

	var threadIDs []string
	if err := s.db.SelectContext(ctx, &threadIDs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("finding threads referencing message ids: %w", err)
	}
	return threadIDs, nil
}

// MoveThreadMessages reassigns every message of thread from to thread to.
func (s *Store) MoveThreadMessages(ctx context.Context, accountID, from, to string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE messages SET thread_id = ? WHERE account_id = ? AND thread_id = ?`, to, accountID, from); err != nil {
		return fmt.Errorf("moving messages of thread %s: %w", from, err)
	}
	return nil
}

// DeleteMessages removes messages and returns the distinct threads they belonged to.
func (s *Store) DeleteMessages(ctx context.Context, accountID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := sqlx.In(`
		SELECT DISTINCT thread_id FROM messages
		WHERE account_id = ? AND id IN (?)
		ORDER BY thread_id`, accountID, ids)
	if err != nil {
		return nil, fmt.Errorf("building delete lookup: %w", err)
	}
	var threadIDs []string
	if err := tx.SelectContext(ctx, &threadIDs, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("finding threads of deleted messages: %w", err)
	}

	query, args, err = sqlx.In(`DELETE FROM messages WHERE account_id = ? AND id IN (?)`, accountID, ids)
	if err != nil {
		return nil, fmt.Errorf("building delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("deleting messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing delete: %w", err)
	}
	return threadIDs, nil
}

func (s *Store) attachments(ctx context.Context, accountID, messageID string) ([]models.Attachment, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT part_id, provider_id, filename, mime_type, size_bytes, is_inline, content_id
		FROM attachments WHERE account_id = ? AND message_id = ? ORDER BY part_id`, accountID, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying attachments of %s: %w", messageID, err)
	}
	defer rows.Close()

	var attachments []models.Attachment
	for rows.Next() {
		a := models.Attachment{MessageID: messageID}
		if err := rows.Scan(&a.PartID, &a.ProviderID, &a.Filename, &a.MimeType, &a.SizeBytes, &a.IsInline, &a.ContentID); err != nil {
			return nil, fmt.Errorf("scanning attachment row: %w", err)
		}
		a.ID = messageID + "/" + a.PartID
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m                                    models.Message
		inReplyTo, refs, to, cc, bcc, labels string
		bodyHTML, bodyText                   sql.NullString
		sentAt, receivedAt, uid              int64
	)
	err := row.Scan(
		&m.AccountID, &m.ID, &m.ThreadID, &m.NativeThreadID, &m.MessageIDHeader, &inReplyTo, &refs,
		&m.FromAddress, &m.FromName, &to, &cc, &bcc, &m.ReplyTo,
		&m.Subject, &m.Snippet, &bodyHTML, &bodyText, &sentAt, &receivedAt,
		&m.IsRead, &m.IsStarred, &m.IsDraft, &m.RawSize, &labels,
		&m.ListUnsubscribe, &m.ListUnsubscribePost, &m.AuthResults, &uid, &m.IMAPFolder,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning message row: %w", err)
	}

	targets := []*[]string{&m.InReplyTo, &m.References, &m.ToAddresses, &m.CCAddresses, &m.BCCAddresses, &m.LabelIDs}
	for i, raw := range []string{inReplyTo, refs, to, cc, bcc, labels} {
		if *targets[i], err = decodeList(raw); err != nil {
			return nil, fmt.Errorf("unmarshaling message %s: %w", m.ID, err)
		}
	}
	if bodyHTML.Valid {
		m.BodyHTML = &bodyHTML.String
	}
	if bodyText.Valid {
		m.BodyText = &bodyText.String
	}
	m.SentAt = fromNanos(sentAt)
	m.ReceivedAt = fromNanos(receivedAt)
	m.IMAPUID = uint32(uid)
	return &m, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
