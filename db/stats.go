package db

import (
	"fmt"
	"time"
)

// UsageStats represents token usage statistics for assistant messages
type UsageStats struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	TotalMessages    int64
	ModelStats       map[string]*ModelUsageStats
	DailyStats       []*DailyUsageStats
}

// ModelUsageStats represents usage statistics for a specific model
type ModelUsageStats struct {
	Model        string
	TotalTokens  int64
	MessageCount int64
}

// DailyUsageStats represents daily usage statistics
type DailyUsageStats struct {
	Date         time.Time
	TotalTokens  int64
	MessageCount int64
}

// GetUsageStats returns token usage between startDate and endDate
func (db *DB) GetUsageStats(startDate, endDate time.Time) (*UsageStats, error) {
	stats := &UsageStats{
		ModelStats: make(map[string]*ModelUsageStats),
	}

	query := `
		SELECT
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COUNT(*)
		FROM messages
		WHERE role = 'assistant' AND created_at >= ? AND created_at <= ?
	`
	err := db.conn.QueryRow(query, startDate, endDate).Scan(
		&stats.PromptTokens, &stats.CompletionTokens, &stats.TotalTokens, &stats.TotalMessages,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get total stats: %w", err)
	}

	modelQuery := `
		SELECT
			model,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COUNT(*) as message_count
		FROM messages
		WHERE role = 'assistant' AND created_at >= ? AND created_at <= ?
		GROUP BY model
		ORDER BY total_tokens DESC
	`
	rows, err := db.conn.Query(modelQuery, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to get model stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var model string
		var totalTokens, messageCount int64
		if err := rows.Scan(&model, &totalTokens, &messageCount); err != nil {
			return nil, fmt.Errorf("failed to scan model stats: %w", err)
		}
		stats.ModelStats[model] = &ModelUsageStats{
			Model:        model,
			TotalTokens:  totalTokens,
			MessageCount: messageCount,
		}
	}

	dailyQuery := `
		SELECT
			substr(created_at, 1, 10) as date,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COUNT(*) as message_count
		FROM messages
		WHERE role = 'assistant' AND created_at >= ? AND created_at <= ?
		GROUP BY date
		ORDER BY date ASC
	`
	dailyRows, err := db.conn.Query(dailyQuery, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily stats: %w", err)
	}
	defer dailyRows.Close()

	for dailyRows.Next() {
		var dateStr string
		var totalTokens, messageCount int64
		if err := dailyRows.Scan(&dateStr, &totalTokens, &messageCount); err != nil {
			return nil, fmt.Errorf("failed to scan daily stats: %w", err)
		}

		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}

		stats.DailyStats = append(stats.DailyStats, &DailyUsageStats{
			Date:         date,
			TotalTokens:  totalTokens,
			MessageCount: messageCount,
		})
	}

	return stats, nil
}
