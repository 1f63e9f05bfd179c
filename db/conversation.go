package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const conversationColumns = "id, character_id, scenario_id, persona_id, title, active, created_at, updated_at"

// CreateConversation creates a new conversation
func (db *DB) CreateConversation(conv *Conversation) (*Conversation, error) {
	now := time.Now()
	result, err := db.conn.Exec(
		"INSERT INTO conversations (character_id, scenario_id, persona_id, title, active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		conv.CharacterID, nullID(conv.ScenarioID), nullID(conv.PersonaID), conv.Title, true, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation ID: %w", err)
	}

	created := *conv
	created.ID = id
	created.Active = true
	created.CreatedAt = now
	created.UpdatedAt = now
	if created.ScenarioID < 0 {
		created.ScenarioID = 0
	}
	if created.PersonaID < 0 {
		created.PersonaID = 0
	}
	return &created, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var scenarioID, personaID sql.NullInt64
	if err := row.Scan(&conv.ID, &conv.CharacterID, &scenarioID, &personaID, &conv.Title, &conv.Active, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	conv.ScenarioID = scenarioID.Int64
	conv.PersonaID = personaID.Int64
	return &conv, nil
}

// GetConversation retrieves a conversation by ID
func (db *DB) GetConversation(id int64) (*Conversation, error) {
	conv, err := scanConversation(db.conn.QueryRow(
		"SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// ListConversations retrieves conversations ordered by update time.
// A characterID of 0 lists conversations for every character.
func (db *DB) ListConversations(characterID int64, limit, offset int) ([]*Conversation, error) {
	query := "SELECT " + conversationColumns + " FROM conversations"
	args := []any{}
	if characterID > 0 {
		query += " WHERE character_id = ?"
		args = append(args, characterID)
	}
	query += " ORDER BY updated_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}

	return conversations, rows.Err()
}

// UpdateConversation updates a conversation's title, bindings and active flag
func (db *DB) UpdateConversation(conv *Conversation) error {
	_, err := db.conn.Exec(
		"UPDATE conversations SET title = ?, scenario_id = ?, persona_id = ?, active = ?, updated_at = ? WHERE id = ?",
		conv.Title, nullID(conv.ScenarioID), nullID(conv.PersonaID), conv.Active, time.Now(), conv.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}

// DeleteConversation deletes a conversation and all its messages
func (db *DB) DeleteConversation(id int64) error {
	_, err := db.conn.Exec("DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// TouchConversation updates the conversation's updated_at timestamp
func (db *DB) TouchConversation(id int64) error {
	_, err := db.conn.Exec(
		"UPDATE conversations SET updated_at = ? WHERE id = ?",
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}
