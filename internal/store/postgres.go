package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const conversationColumns = `
	c.id, c.namespace, c.municipality_id, c.channel_id, c.topic,
	c.participants, c.metadata, c.external_references, c.created_at, c.updated_at,
	(SELECT MAX(m.sequence_number) FROM messages m WHERE m.conversation_id = c.id)
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		item                                  Conversation
		participantsRaw, metadataRaw, refsRaw []byte
		latest                                sql.NullInt64
	)
	if err := row.Scan(
		&item.ID,
		&item.Namespace,
		&item.MunicipalityID,
		&item.ChannelID,
		&item.Topic,
		&participantsRaw,
		&metadataRaw,
		&refsRaw,
		&item.CreatedAt,
		&item.UpdatedAt,
		&latest,
	); err != nil {
		return Conversation{}, err
	}
	if err := json.Unmarshal(participantsRaw, &item.Participants); err != nil {
		return Conversation{}, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal(metadataRaw, &item.Metadata); err != nil {
		return Conversation{}, fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal(refsRaw, &item.ExternalReferences); err != nil {
		return Conversation{}, fmt.Errorf("decode external references: %w", err)
	}
	if latest.Valid {
		value := latest.Int64
		item.LatestSequenceNumber = &value
	}
	return item, nil
}

func encodeJSONList[T any](items []T) (string, error) {
	if items == nil {
		items = []T{}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func encodeConversationLists(item Conversation) (participants, metadata, refs string, err error) {
	if participants, err = encodeJSONList(item.Participants); err != nil {
		return "", "", "", fmt.Errorf("marshal participants: %w", err)
	}
	if metadata, err = encodeJSONList(item.Metadata); err != nil {
		return "", "", "", fmt.Errorf("marshal metadata: %w", err)
	}
	if refs, err = encodeJSONList(item.ExternalReferences); err != nil {
		return "", "", "", fmt.Errorf("marshal external references: %w", err)
	}
	return participants, metadata, refs, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, namespace, municipalityID string, page Page) ([]Conversation, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversations WHERE namespace=$1 AND municipality_id=$2
	`, namespace, municipalityID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE c.namespace=$1 AND c.municipality_id=$2
		ORDER BY c.created_at DESC, c.id
		LIMIT $3 OFFSET $4
	`, namespace, municipalityID, page.Size, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	items := make([]Conversation, 0)
	for rows.Next() {
		item, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate conversations: %w", err)
	}
	return items, total, nil
}

// GetConversation returns sql.ErrNoRows when the conversation does not exist
// within the tenant.
func (s *PostgresStore) GetConversation(ctx context.Context, namespace, municipalityID, conversationID string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE c.namespace=$1 AND c.municipality_id=$2 AND c.id=$3
	`, namespace, municipalityID, conversationID)
	item, err := scanConversation(row)
	if err != nil {
		return Conversation{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertConversation(ctx context.Context, item Conversation) error {
	participants, metadata, refs, err := encodeConversationLists(item)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, namespace, municipality_id, channel_id, topic, participants, metadata, external_references)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8::jsonb)
	`, item.ID, item.Namespace, item.MunicipalityID, item.ChannelID, item.Topic, participants, metadata, refs)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// UpdateConversation writes item only if the stored row still carries
// item.UpdatedAt. It reports false when the row is gone or was changed since
// item was read.
func (s *PostgresStore) UpdateConversation(ctx context.Context, item Conversation) (bool, error) {
	participants, metadata, refs, err := encodeConversationLists(item)
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET topic=$4, participants=$5::jsonb, metadata=$6::jsonb, external_references=$7::jsonb, updated_at=clock_timestamp()
		WHERE namespace=$1 AND municipality_id=$2 AND id=$3 AND updated_at=$8
	`, item.Namespace, item.MunicipalityID, item.ID, item.Topic, participants, metadata, refs, item.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("update conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update conversation rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, namespace, municipalityID, conversationID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations WHERE namespace=$1 AND municipality_id=$2 AND id=$3
	`, namespace, municipalityID, conversationID)
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete conversation rows: %w", err)
	}
	return affected > 0, nil
}

// InsertMessage writes the message and its initial read marks in one
// transaction. The sequence number must already be allocated.
func (s *PostgresStore) InsertMessage(ctx context.Context, item Message) error {
	messageType := item.Type
	if messageType == "" {
		messageType = MessageTypeUser
	}
	var createdByType, createdByValue string
	if item.CreatedBy != nil {
		createdByType = item.CreatedBy.Type
		createdByValue = item.CreatedBy.Value
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, namespace, municipality_id, sequence_number, in_reply_to_message_id, type, content, created_by_type, created_by_value)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::uuid, $7, $8, NULLIF($9, ''), NULLIF($10, ''))
	`, item.ID, item.ConversationID, item.Namespace, item.MunicipalityID, item.SequenceNumber, item.InReplyToMessageID, messageType, item.Content, createdByType, createdByValue); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	for _, mark := range item.ReadBy {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO read_marks (message_id, identifier_type, identifier_value, read_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (message_id, identifier_type, identifier_value) DO NOTHING
		`, item.ID, mark.Identifier.Type, mark.Identifier.Value, mark.ReadAt); err != nil {
			return fmt.Errorf("insert read mark: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert message: %w", err)
	}
	return nil
}

// ListMessages returns one page of the conversation ordered by sequence
// number, each message carrying its read marks.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, page Page) ([]Message, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id=$1`, conversationID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, namespace, municipality_id, sequence_number, COALESCE(in_reply_to_message_id::text, ''), type, content, COALESCE(created_by_type, ''), COALESCE(created_by_value, ''), created_at
		FROM messages
		WHERE conversation_id=$1
		ORDER BY sequence_number ASC
		LIMIT $2 OFFSET $3
	`, conversationID, page.Size, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	index := make(map[string]int)
	for rows.Next() {
		var (
			item                          Message
			createdByType, createdByValue string
		)
		if err := rows.Scan(
			&item.ID,
			&item.ConversationID,
			&item.Namespace,
			&item.MunicipalityID,
			&item.SequenceNumber,
			&item.InReplyToMessageID,
			&item.Type,
			&item.Content,
			&createdByType,
			&createdByValue,
			&item.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan message: %w", err)
		}
		if createdByType != "" || createdByValue != "" {
			item.CreatedBy = &Identifier{Type: createdByType, Value: createdByValue}
		}
		index[item.ID] = len(items)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate messages: %w", err)
	}
	if len(items) == 0 {
		return items, total, nil
	}

	markRows, err := s.db.QueryContext(ctx, `
		SELECT r.message_id, r.identifier_type, r.identifier_value, r.read_at
		FROM read_marks r
		WHERE r.message_id IN (
			SELECT id FROM messages
			WHERE conversation_id=$1
			ORDER BY sequence_number ASC
			LIMIT $2 OFFSET $3
		)
		ORDER BY r.read_at ASC
	`, conversationID, page.Size, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list read marks: %w", err)
	}
	defer markRows.Close()

	for markRows.Next() {
		var (
			messageID string
			mark      ReadMark
		)
		if err := markRows.Scan(&messageID, &mark.Identifier.Type, &mark.Identifier.Value, &mark.ReadAt); err != nil {
			return nil, 0, fmt.Errorf("scan read mark: %w", err)
		}
		if i, ok := index[messageID]; ok {
			items[i].ReadBy = append(items[i].ReadBy, mark)
		}
	}
	if err := markRows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate read marks: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, conversationID, messageID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id=$1 AND id=$2`, conversationID, messageID)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete message rows: %w", err)
	}
	return affected > 0, nil
}

// UpsertReadMark stores mark for the message unless the identity already
// has one. Either way the persisted mark is returned, so the first write wins.
func (s *PostgresStore) UpsertReadMark(ctx context.Context, messageID string, mark ReadMark) (ReadMark, error) {
	readAt := mark.ReadAt
	if readAt.IsZero() {
		readAt = time.Now().UTC()
	}
	var stored time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO read_marks (message_id, identifier_type, identifier_value, read_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, identifier_type, identifier_value)
		DO UPDATE SET read_at = read_marks.read_at
		RETURNING read_at
	`, messageID, mark.Identifier.Type, mark.Identifier.Value, readAt).Scan(&stored)
	if err != nil {
		return ReadMark{}, fmt.Errorf("upsert read mark: %w", err)
	}
	return ReadMark{Identifier: mark.Identifier, ReadAt: stored}, nil
}

// MaxSequenceNumber returns the highest sequence number stored for the
// tenant, or 0 when it has no messages.
func (s *PostgresStore) MaxSequenceNumber(ctx context.Context, namespace, municipalityID string) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_number), 0) FROM messages WHERE namespace=$1 AND municipality_id=$2
	`, namespace, municipalityID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max sequence number: %w", err)
	}
	return max, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
