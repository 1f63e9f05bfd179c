package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const scenarioColumns = "id, character_id, name, description, first_message, is_default, image_path, created_at"

func scanScenario(row rowScanner) (*Scenario, error) {
	var s Scenario
	err := row.Scan(&s.ID, &s.CharacterID, &s.Name, &s.Description, &s.FirstMessage, &s.IsDefault, &s.ImagePath, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateScenario creates a scenario. When IsDefault is set, any previous
// default of the same character is cleared in the same transaction.
func (db *DB) CreateScenario(s *Scenario) (*Scenario, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if s.IsDefault {
		if _, err := tx.Exec("UPDATE scenarios SET is_default = 0 WHERE character_id = ?", s.CharacterID); err != nil {
			return nil, fmt.Errorf("failed to clear default scenario: %w", err)
		}
	}

	now := time.Now()
	result, err := tx.Exec(
		"INSERT INTO scenarios (character_id, name, description, first_message, is_default, image_path, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		s.CharacterID, s.Name, s.Description, s.FirstMessage, s.IsDefault, s.ImagePath, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get scenario ID: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit scenario: %w", err)
	}

	created := *s
	created.ID = id
	created.CreatedAt = now
	return &created, nil
}

// GetScenario retrieves a scenario by ID
func (db *DB) GetScenario(id int64) (*Scenario, error) {
	s, err := scanScenario(db.conn.QueryRow("SELECT "+scenarioColumns+" FROM scenarios WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scenario %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scenario: %w", err)
	}
	return s, nil
}

// GetDefaultScenario returns the character's default scenario, or ErrNotFound
func (db *DB) GetDefaultScenario(characterID int64) (*Scenario, error) {
	s, err := scanScenario(db.conn.QueryRow(
		"SELECT "+scenarioColumns+" FROM scenarios WHERE character_id = ? AND is_default = 1 LIMIT 1", characterID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("default scenario for character %d: %w", characterID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default scenario: %w", err)
	}
	return s, nil
}

// ListScenarios retrieves all scenarios of a character
func (db *DB) ListScenarios(characterID int64) ([]*Scenario, error) {
	rows, err := db.conn.Query(
		"SELECT "+scenarioColumns+" FROM scenarios WHERE character_id = ? ORDER BY name ASC", characterID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenarios: %w", err)
	}
	defer rows.Close()

	var scenarios []*Scenario
	for rows.Next() {
		s, err := scanScenario(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scenario: %w", err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, rows.Err()
}

// UpdateScenario updates a scenario's text fields. The default flag is
// changed only through SetDefaultScenario.
func (db *DB) UpdateScenario(s *Scenario) error {
	_, err := db.conn.Exec(
		"UPDATE scenarios SET name = ?, description = ?, first_message = ?, image_path = ? WHERE id = ?",
		s.Name, s.Description, s.FirstMessage, s.ImagePath, s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update scenario: %w", err)
	}
	return nil
}

// SetDefaultScenario makes scenarioID the only default scenario of its character
func (db *DB) SetDefaultScenario(characterID, scenarioID int64) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE scenarios SET is_default = 0 WHERE character_id = ?", characterID); err != nil {
		return fmt.Errorf("failed to clear default scenario: %w", err)
	}
	result, err := tx.Exec("UPDATE scenarios SET is_default = 1 WHERE id = ? AND character_id = ?", scenarioID, characterID)
	if err != nil {
		return fmt.Errorf("failed to set default scenario: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("scenario %d of character %d: %w", scenarioID, characterID, ErrNotFound)
	}

	return tx.Commit()
}

// DeleteScenario deletes a scenario; conversations bound to it fall back to none
func (db *DB) DeleteScenario(id int64) error {
	if _, err := db.conn.Exec("DELETE FROM scenarios WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete scenario: %w", err)
	}
	return nil
}
