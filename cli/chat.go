package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"character-chat/chat"
	"character-chat/db"
)

func newChatCommand(app *App) *cobra.Command {
	var conversationID, characterID, scenarioID, personaID int64

	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Send a message and stream the character's reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args, " ")

			if conversationID > 0 {
				conv, err := app.db.GetConversation(conversationID)
				if err != nil {
					return err
				}
				characterID = conv.CharacterID
			}
			if characterID <= 0 {
				return errors.New("either --conversation or --character is required")
			}

			return app.runTurn(cmd.Context(), chat.TurnRequest{
				Kind:           chat.NewMessage,
				ConversationID: conversationID,
				Content:        content,
				ScenarioID:     scenarioID,
				PersonaID:      personaID,
			}, characterID)
		},
	}
	cmd.Flags().Int64VarP(&conversationID, "conversation", "c", 0, "Existing conversation ID")
	cmd.Flags().Int64Var(&characterID, "character", 0, "Character to start a new conversation with")
	cmd.Flags().Int64Var(&scenarioID, "scenario", 0, "Scenario for a new conversation (default: the character's default)")
	cmd.Flags().Int64Var(&personaID, "persona", 0, "Persona bound to a new conversation")
	return cmd
}

func newRegenerateCommand(app *App) *cobra.Command {
	var conversationID int64
	cmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Replace the latest reply with a new one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runExisting(cmd.Context(), chat.Regenerate, conversationID)
		},
	}
	cmd.Flags().Int64VarP(&conversationID, "conversation", "c", 0, "Conversation ID")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func newContinueCommand(app *App) *cobra.Command {
	var conversationID int64
	cmd := &cobra.Command{
		Use:   "continue",
		Short: "Let the character keep talking without new input",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runExisting(cmd.Context(), chat.Continue, conversationID)
		},
	}
	cmd.Flags().Int64VarP(&conversationID, "conversation", "c", 0, "Conversation ID")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func (a *App) runExisting(ctx context.Context, kind chat.Kind, conversationID int64) error {
	conv, err := a.db.GetConversation(conversationID)
	if err != nil {
		return err
	}
	return a.runTurn(ctx, chat.TurnRequest{Kind: kind, ConversationID: conv.ID}, conv.CharacterID)
}

// runTurn loads the turn's entities, starts it and prints the reply as it streams
func (a *App) runTurn(ctx context.Context, req chat.TurnRequest, characterID int64) error {
	character, err := a.db.GetCharacter(characterID)
	if err != nil {
		return err
	}
	user, err := a.db.GetUserSettings()
	if err != nil {
		return err
	}
	req.Character = character
	req.User = user

	if ctx == nil {
		ctx = context.Background()
	}
	// Ctrl-C aborts the stream; the partial reply is kept
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	events, err := a.orchestrator.RunTurn(ctx, req)
	if err != nil {
		return err
	}

	printer := &replyPrinter{out: a.out}
	res := chat.Wait(events, func(ev chat.Event) {
		switch ev.Type {
		case chat.EventConversationCreated:
			fmt.Fprintf(a.out, "[conversation %d]\n", ev.ConversationID)
		case chat.EventMessageUpdated:
			printer.show(ev.Message)
		}
	})
	printer.finish()

	if res.Err != nil {
		return res.Err
	}
	if res.Message != nil && res.Message.FinishReason == "length" {
		fmt.Fprintf(a.out, "(reply truncated; run `continue -c %d` for more)\n", res.ConversationID)
	}
	return nil
}

// replyPrinter writes streamed content incrementally, one message at a time
type replyPrinter struct {
	out       io.Writer
	messageID int64
	printed   string
}

func (p *replyPrinter) show(msg *db.Message) {
	if msg == nil || msg.Role != db.RoleAssistant {
		return
	}
	if msg.ID != p.messageID {
		p.finish()
		p.messageID = msg.ID
		fmt.Fprint(p.out, "> ")
	}
	if strings.HasPrefix(msg.Content, p.printed) {
		fmt.Fprint(p.out, msg.Content[len(p.printed):])
	} else {
		fmt.Fprint(p.out, "\n"+msg.Content)
	}
	p.printed = msg.Content
}

func (p *replyPrinter) finish() {
	if p.messageID != 0 {
		fmt.Fprintln(p.out)
	}
	p.messageID = 0
	p.printed = ""
}
