package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"character-chat/db"
)

func newCharacterCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "character",
		Short: "Manage characters",
	}

	var c db.Character
	var temperature float64
	var maxTokens int
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a character",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("temperature") {
				c.Temperature = &temperature
			}
			if cmd.Flags().Changed("max-tokens") {
				c.MaxTokens = &maxTokens
			}
			created, err := app.db.CreateCharacter(&c)
			if err != nil {
				return err
			}
			app.logger.Info("Created character %d (%s)", created.ID, created.Name)
			fmt.Fprintf(app.out, "%d\n", created.ID)
			return nil
		},
	}
	add.Flags().StringVar(&c.Name, "name", "", "Character name")
	add.Flags().StringVar(&c.Personality, "personality", "", "Personality / system prompt fragment")
	add.Flags().StringVar(&c.FirstMessage, "first-message", "", "Greeting sent when a conversation starts")
	add.Flags().StringVar(&c.Model, "model", "", "Model identifier (default: the preferred model)")
	add.Flags().Float64Var(&temperature, "temperature", 0, "Sampling temperature")
	add.Flags().IntVar(&maxTokens, "max-tokens", 0, "Maximum reply tokens")
	add.Flags().IntVar(&c.ContextTurnLimit, "context-turns", 0, "User/assistant pairs kept in the prompt (0: user default)")
	add.Flags().BoolVar(&c.TimeAware, "time-aware", false, "Tell the model when messages were sent")
	add.Flags().StringVar(&c.DefaultScenario, "scenario-text", "", "Fallback scenario text")
	_ = add.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List characters",
		RunE: func(cmd *cobra.Command, args []string) error {
			characters, err := app.db.ListCharacters()
			if err != nil {
				return err
			}
			for _, c := range characters {
				fmt.Fprintf(app.out, "%d\t%s\t%s\n", c.ID, c.Name, c.Model)
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a character",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid character id: %w", err)
			}
			c, err := app.db.GetCharacter(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.out, "ID:            %d\nName:          %s\nModel:         %s\nContext turns: %d\nTime aware:    %t\n",
				c.ID, c.Name, c.Model, c.ContextTurnLimit, c.TimeAware)
			if c.Temperature != nil {
				fmt.Fprintf(app.out, "Temperature:   %g\n", *c.Temperature)
			}
			if c.MaxTokens != nil {
				fmt.Fprintf(app.out, "Max tokens:    %d\n", *c.MaxTokens)
			}
			fmt.Fprintf(app.out, "Personality:\n%s\n", c.Personality)
			if c.FirstMessage != "" {
				fmt.Fprintf(app.out, "First message:\n%s\n", c.FirstMessage)
			}
			return nil
		},
	}

	cmd.AddCommand(add, list, show)
	return cmd
}

func newPersonaCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persona",
		Short: "Manage who you are playing as",
	}

	var name, description string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a persona",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := app.db.CreatePersona(name, description)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.out, "%d\n", p.ID)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "Display name")
	add.Flags().StringVar(&description, "description", "", "Third-person description")
	_ = add.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List personas",
		RunE: func(cmd *cobra.Command, args []string) error {
			personas, err := app.db.ListPersonas()
			if err != nil {
				return err
			}
			settings, err := app.db.GetUserSettings()
			if err != nil {
				return err
			}
			for _, p := range personas {
				marker := " "
				if p.ID == settings.ActivePersonaID {
					marker = "*"
				}
				fmt.Fprintf(app.out, "%s %d\t%s\t%s\n", marker, p.ID, p.Name, p.Description)
			}
			return nil
		},
	}

	activate := &cobra.Command{
		Use:   "activate <id>",
		Short: "Set the globally active persona (0 clears it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid persona id: %w", err)
			}
			if id > 0 {
				if _, err := app.db.GetPersona(id); err != nil {
					return err
				}
			}
			settings, err := app.db.GetUserSettings()
			if err != nil {
				return err
			}
			settings.ActivePersonaID = id
			return app.db.SaveUserSettings(settings)
		},
	}

	cmd.AddCommand(add, list, activate)
	return cmd
}

func newScenarioCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Manage character scenarios",
	}

	var s db.Scenario
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.db.GetCharacter(s.CharacterID); err != nil {
				return err
			}
			created, err := app.db.CreateScenario(&s)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.out, "%d\n", created.ID)
			return nil
		},
	}
	add.Flags().Int64Var(&s.CharacterID, "character", 0, "Owning character ID")
	add.Flags().StringVar(&s.Name, "name", "", "Scenario name")
	add.Flags().StringVar(&s.Description, "description", "", "Scenario description")
	add.Flags().StringVar(&s.FirstMessage, "first-message", "", "Greeting used instead of the character's")
	add.Flags().StringVar(&s.ImagePath, "image", "", "Path to a scenario image")
	add.Flags().BoolVar(&s.IsDefault, "default", false, "Make this the character's default scenario")
	_ = add.MarkFlagRequired("character")
	_ = add.MarkFlagRequired("name")

	var listCharacter int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List a character's scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			scenarios, err := app.db.ListScenarios(listCharacter)
			if err != nil {
				return err
			}
			for _, s := range scenarios {
				marker := " "
				if s.IsDefault {
					marker = "*"
				}
				fmt.Fprintf(app.out, "%s %d\t%s\n", marker, s.ID, s.Name)
			}
			return nil
		},
	}
	list.Flags().Int64Var(&listCharacter, "character", 0, "Character ID")
	_ = list.MarkFlagRequired("character")

	var defCharacter, defScenario int64
	def := &cobra.Command{
		Use:   "default",
		Short: "Set a character's default scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.db.SetDefaultScenario(defCharacter, defScenario)
		},
	}
	def.Flags().Int64Var(&defCharacter, "character", 0, "Character ID")
	def.Flags().Int64Var(&defScenario, "scenario", 0, "Scenario ID")
	_ = def.MarkFlagRequired("character")
	_ = def.MarkFlagRequired("scenario")

	cmd.AddCommand(add, list, def)
	return cmd
}
