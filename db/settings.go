package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Setting keys backing UserSettings
const (
	SettingAPIKey             = "api_key"
	SettingPreferredModel     = "preferred_model"
	SettingGlobalPrompt       = "global_prompt"
	SettingContextTurnLimit   = "default_context_turn_limit"
	SettingDefaultTemperature = "default_temperature"
	SettingDefaultMaxTokens   = "default_max_tokens"
	SettingActivePersonaID    = "active_persona_id"
)

// GetSetting returns the raw value of a setting and whether it exists
func (db *DB) GetSetting(key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting upserts a setting. An empty value removes it.
func (db *DB) SetSetting(key, value string) error {
	if value == "" {
		if _, err := db.conn.Exec("DELETE FROM settings WHERE key = ?", key); err != nil {
			return fmt.Errorf("failed to clear setting %s: %w", key, err)
		}
		return nil
	}
	_, err := db.conn.Exec(
		"INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		key, value, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

// ListSettings returns every stored setting
func (db *DB) ListSettings() ([]*Setting, error) {
	rows, err := db.conn.Query("SELECT key, value, updated_at FROM settings ORDER BY key ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var settings []*Setting
	for rows.Next() {
		var s Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings = append(settings, &s)
	}
	return settings, rows.Err()
}

// GetUserSettings assembles UserSettings from the settings table.
// Unparseable numeric values are treated as unset.
func (db *DB) GetUserSettings() (*UserSettings, error) {
	settings, err := db.ListSettings()
	if err != nil {
		return nil, err
	}

	us := &UserSettings{}
	for _, s := range settings {
		switch s.Key {
		case SettingAPIKey:
			us.APIKey = s.Value
		case SettingPreferredModel:
			us.PreferredModel = s.Value
		case SettingGlobalPrompt:
			us.GlobalPrompt = s.Value
		case SettingContextTurnLimit:
			if n, err := strconv.Atoi(s.Value); err == nil {
				us.DefaultContextTurnLimit = n
			}
		case SettingDefaultTemperature:
			if f, err := strconv.ParseFloat(s.Value, 64); err == nil {
				us.DefaultTemperature = &f
			}
		case SettingDefaultMaxTokens:
			if n, err := strconv.Atoi(s.Value); err == nil {
				us.DefaultMaxTokens = &n
			}
		case SettingActivePersonaID:
			if n, err := strconv.ParseInt(s.Value, 10, 64); err == nil {
				us.ActivePersonaID = n
			}
		}
	}
	return us, nil
}

// SaveUserSettings writes every field of UserSettings back to the settings table
func (db *DB) SaveUserSettings(us *UserSettings) error {
	values := map[string]string{
		SettingAPIKey:             us.APIKey,
		SettingPreferredModel:     us.PreferredModel,
		SettingGlobalPrompt:       us.GlobalPrompt,
		SettingContextTurnLimit:   "",
		SettingDefaultTemperature: "",
		SettingDefaultMaxTokens:   "",
		SettingActivePersonaID:    "",
	}
	if us.DefaultContextTurnLimit != 0 {
		values[SettingContextTurnLimit] = strconv.Itoa(us.DefaultContextTurnLimit)
	}
	if us.DefaultTemperature != nil {
		values[SettingDefaultTemperature] = strconv.FormatFloat(*us.DefaultTemperature, 'f', -1, 64)
	}
	if us.DefaultMaxTokens != nil {
		values[SettingDefaultMaxTokens] = strconv.Itoa(*us.DefaultMaxTokens)
	}
	if us.ActivePersonaID > 0 {
		values[SettingActivePersonaID] = strconv.FormatInt(us.ActivePersonaID, 10)
	}

	for key, value := range values {
		if err := db.SetSetting(key, value); err != nil {
			return err
		}
	}
	return nil
}
