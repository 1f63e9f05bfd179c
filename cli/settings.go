package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"character-chat/db"
)

var settingKeys = []string{
	db.SettingAPIKey,
	db.SettingPreferredModel,
	db.SettingGlobalPrompt,
	db.SettingContextTurnLimit,
	db.SettingDefaultTemperature,
	db.SettingDefaultMaxTokens,
	db.SettingActivePersonaID,
}

func newSettingsCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change user settings",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := app.db.ListSettings()
			if err != nil {
				return err
			}
			sort.Slice(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })
			for _, s := range settings {
				value := s.Value
				if s.Key == db.SettingAPIKey {
					value = maskSecret(value)
				}
				fmt.Fprintf(app.out, "%s = %s\n", s.Key, value)
			}
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> [value]",
		Short: "Set a setting; an omitted value clears it",
		Long:  "Known keys: " + strings.Join(settingKeys, ", "),
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := ""
			if len(args) == 2 {
				value = args[1]
			}
			if err := validateSetting(key, value); err != nil {
				return err
			}
			return app.db.SetSetting(key, value)
		},
	}

	cmd.AddCommand(show, set)
	return cmd
}

func validateSetting(key, value string) error {
	known := false
	for _, k := range settingKeys {
		if k == key {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown setting %q", key)
	}
	if value == "" {
		return nil
	}

	switch key {
	case db.SettingContextTurnLimit, db.SettingDefaultMaxTokens:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
	case db.SettingActivePersonaID:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
	case db.SettingDefaultTemperature:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("%s must be a number: %w", key, err)
		}
	}
	return nil
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
