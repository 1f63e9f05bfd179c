package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = "id, conversation_id, role, content, model, prompt_tokens, completion_tokens, total_tokens, finish_reason, created_at"

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Model,
		&msg.PromptTokens, &msg.CompletionTokens, &msg.TotalTokens, &msg.FinishReason, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// CreateMessage inserts a message into its conversation. A zero CreatedAt is
// replaced by the current time.
func (db *DB) CreateMessage(msg *Message) (*Message, error) {
	created := *msg
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now()
	}

	result, err := db.conn.Exec(
		"INSERT INTO messages (conversation_id, role, content, model, prompt_tokens, completion_tokens, total_tokens, finish_reason, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		created.ConversationID, created.Role, created.Content, created.Model,
		created.PromptTokens, created.CompletionTokens, created.TotalTokens, created.FinishReason, created.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get message ID: %w", err)
	}
	created.ID = id

	// Update conversation's updated_at timestamp
	if err := db.TouchConversation(created.ConversationID); err != nil {
		return nil, err
	}

	db.hub.publish(created.ConversationID, MessageEvent{Type: MessageCreated, Message: created})
	return &created, nil
}

// GetMessage retrieves a message by ID
func (db *DB) GetMessage(id int64) (*Message, error) {
	msg, err := scanMessage(db.conn.QueryRow(
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// ListMessages retrieves all messages in a conversation, oldest first
func (db *DB) ListMessages(conversationID int64) ([]*Message, error) {
	rows, err := db.conn.Query(
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC",
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// UpdateMessage overwrites a message's content, token accounting, model and finish reason
func (db *DB) UpdateMessage(msg *Message) error {
	result, err := db.conn.Exec(
		"UPDATE messages SET content = ?, model = ?, prompt_tokens = ?, completion_tokens = ?, total_tokens = ?, finish_reason = ? WHERE id = ?",
		msg.Content, msg.Model, msg.PromptTokens, msg.CompletionTokens, msg.TotalTokens, msg.FinishReason, msg.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("message %d: %w", msg.ID, ErrNotFound)
	}

	db.hub.publish(msg.ConversationID, MessageEvent{Type: MessageUpdated, Message: *msg})
	return nil
}

// DeleteMessage deletes a message
func (db *DB) DeleteMessage(id int64) error {
	msg, err := db.GetMessage(id)
	if err != nil {
		return err
	}
	if _, err := db.conn.Exec("DELETE FROM messages WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	db.hub.publish(msg.ConversationID, MessageEvent{Type: MessageDeleted, Message: *msg})
	return nil
}
