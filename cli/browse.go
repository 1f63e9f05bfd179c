package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newConversationsCommand(app *App) *cobra.Command {
	var characterID int64
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			conversations, err := app.db.ListConversations(characterID, limit, offset)
			if err != nil {
				return err
			}
			for _, c := range conversations {
				fmt.Fprintf(app.out, "%d\t%s\t%s\n", c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04"), c.Title)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&characterID, "character", 0, "Only this character's conversations")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "Rows to skip")
	return cmd
}

func newHistoryCommand(app *App) *cobra.Command {
	var conversationID int64
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print every message of a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := app.db.GetConversation(conversationID)
			if err != nil {
				return err
			}
			messages, err := app.db.ListMessages(conv.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.out, "# %s\n\n", conv.Title)
			for _, m := range messages {
				fmt.Fprintf(app.out, "[%s] %s:\n%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.Role, m.Content)
				if m.TotalTokens > 0 || m.FinishReason != "" {
					fmt.Fprintf(app.out, "(tokens %d/%d/%d, finish %s)\n", m.PromptTokens, m.CompletionTokens, m.TotalTokens, m.FinishReason)
				}
				fmt.Fprintln(app.out)
			}
			return nil
		},
	}
	cmd.Flags().Int64VarP(&conversationID, "conversation", "c", 0, "Conversation ID")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func newSearchCommand(app *App) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search message content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := app.db.SearchMessages(args[0], limit)
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Fprintf(app.out, "conversation %d, message %d (%s): %s\n", r.ConversationID, r.Message.ID, r.Message.Role, r.Snippet)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum results")
	return cmd
}

func newUsageCommand(app *App) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			end := time.Now()
			start := end.AddDate(0, 0, -days)
			stats, err := app.db.GetUsageStats(start, end)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.out, "Replies: %d\nPrompt tokens: %d\nCompletion tokens: %d\nTotal tokens: %d\n",
				stats.TotalMessages, stats.PromptTokens, stats.CompletionTokens, stats.TotalTokens)

			models := make([]string, 0, len(stats.ModelStats))
			for m := range stats.ModelStats {
				models = append(models, m)
			}
			sort.Strings(models)
			for _, m := range models {
				s := stats.ModelStats[m]
				fmt.Fprintf(app.out, "  %s: %d tokens in %d replies\n", s.Model, s.TotalTokens, s.MessageCount)
			}
			for _, d := range stats.DailyStats {
				fmt.Fprintf(app.out, "  %s: %d tokens\n", d.Date.Format("2006-01-02"), d.TotalTokens)
			}

			dbStats, err := app.db.GetStats()
			if err != nil {
				return err
			}
			fmt.Fprintf(app.out, "Database: %d conversations, %d messages, %.1f KB\n",
				dbStats.ConversationCount, dbStats.MessageCount, float64(dbStats.DBSizeBytes)/1024)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "Days to look back")
	return cmd
}
