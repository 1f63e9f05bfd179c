package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const characterColumns = "id, name, personality, first_message, model, temperature, max_tokens, context_turn_limit, time_aware, default_scenario, created_at"

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func scanCharacter(row rowScanner) (*Character, error) {
	var c Character
	var temperature sql.NullFloat64
	var maxTokens sql.NullInt64
	err := row.Scan(&c.ID, &c.Name, &c.Personality, &c.FirstMessage, &c.Model, &temperature, &maxTokens,
		&c.ContextTurnLimit, &c.TimeAware, &c.DefaultScenario, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if temperature.Valid {
		t := temperature.Float64
		c.Temperature = &t
	}
	if maxTokens.Valid {
		m := int(maxTokens.Int64)
		c.MaxTokens = &m
	}
	return &c, nil
}

// CreateCharacter creates a new character
func (db *DB) CreateCharacter(c *Character) (*Character, error) {
	now := time.Now()
	result, err := db.conn.Exec(
		"INSERT INTO characters (name, personality, first_message, model, temperature, max_tokens, context_turn_limit, time_aware, default_scenario, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		c.Name, c.Personality, c.FirstMessage, c.Model, nullFloat(c.Temperature), nullInt(c.MaxTokens),
		c.ContextTurnLimit, c.TimeAware, c.DefaultScenario, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create character: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get character ID: %w", err)
	}

	created := *c
	created.ID = id
	created.CreatedAt = now
	return &created, nil
}

// GetCharacter retrieves a character by ID
func (db *DB) GetCharacter(id int64) (*Character, error) {
	c, err := scanCharacter(db.conn.QueryRow("SELECT "+characterColumns+" FROM characters WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("character %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get character: %w", err)
	}
	return c, nil
}

// ListCharacters retrieves all characters ordered by name
func (db *DB) ListCharacters() ([]*Character, error) {
	rows, err := db.conn.Query("SELECT " + characterColumns + " FROM characters ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list characters: %w", err)
	}
	defer rows.Close()

	var characters []*Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan character: %w", err)
		}
		characters = append(characters, c)
	}
	return characters, rows.Err()
}

// UpdateCharacter overwrites every editable field of a character
func (db *DB) UpdateCharacter(c *Character) error {
	_, err := db.conn.Exec(
		"UPDATE characters SET name = ?, personality = ?, first_message = ?, model = ?, temperature = ?, max_tokens = ?, context_turn_limit = ?, time_aware = ?, default_scenario = ? WHERE id = ?",
		c.Name, c.Personality, c.FirstMessage, c.Model, nullFloat(c.Temperature), nullInt(c.MaxTokens),
		c.ContextTurnLimit, c.TimeAware, c.DefaultScenario, c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update character: %w", err)
	}
	return nil
}

// DeleteCharacter deletes a character with its scenarios and conversations
func (db *DB) DeleteCharacter(id int64) error {
	if _, err := db.conn.Exec("DELETE FROM characters WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete character: %w", err)
	}
	return nil
}
