package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreatePersona creates a new persona
func (db *DB) CreatePersona(name, description string) (*Persona, error) {
	now := time.Now()
	result, err := db.conn.Exec(
		"INSERT INTO personas (name, description, created_at) VALUES (?, ?, ?)",
		name, description, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create persona: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get persona ID: %w", err)
	}

	return &Persona{ID: id, Name: name, Description: description, CreatedAt: now}, nil
}

// GetPersona retrieves a persona by ID
func (db *DB) GetPersona(id int64) (*Persona, error) {
	var p Persona
	err := db.conn.QueryRow(
		"SELECT id, name, description, created_at FROM personas WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("persona %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get persona: %w", err)
	}
	return &p, nil
}

// ListPersonas retrieves all personas
func (db *DB) ListPersonas() ([]*Persona, error) {
	rows, err := db.conn.Query("SELECT id, name, description, created_at FROM personas ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list personas: %w", err)
	}
	defer rows.Close()

	var personas []*Persona
	for rows.Next() {
		var p Persona
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan persona: %w", err)
		}
		personas = append(personas, &p)
	}
	return personas, rows.Err()
}

// UpdatePersona updates a persona's name and description
func (db *DB) UpdatePersona(p *Persona) error {
	_, err := db.conn.Exec("UPDATE personas SET name = ?, description = ? WHERE id = ?", p.Name, p.Description, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update persona: %w", err)
	}
	return nil
}

// DeletePersona deletes a persona; conversations bound to it fall back to none
func (db *DB) DeletePersona(id int64) error {
	if _, err := db.conn.Exec("DELETE FROM personas WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete persona: %w", err)
	}
	return nil
}
