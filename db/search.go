package db

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// snippetRadius is the number of characters kept on each side of a match
const snippetRadius = 32

// SearchResult represents a search result
type SearchResult struct {
	Message        *Message
	ConversationID int64
	Snippet        string
}

// SearchMessages performs a case-insensitive substring search over message content
func (db *DB) SearchMessages(query string, limit int) ([]*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	rows, err := db.conn.Query(
		"SELECT "+messageColumns+" FROM messages WHERE content LIKE ? ESCAPE '\\' ORDER BY created_at DESC, id DESC LIMIT ?",
		"%"+escapeLike(query)+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	var results []*SearchResult
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		results = append(results, &SearchResult{
			Message:        msg,
			ConversationID: msg.ConversationID,
			Snippet:        snippet(msg.Content, query),
		})
	}

	return results, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet cuts the text around the first match and marks it with <mark> tags
func snippet(content, query string) string {
	idx := strings.Index(strings.ToLower(content), strings.ToLower(query))
	if idx < 0 || len(strings.ToLower(content)) != len(content) {
		// lowercasing changed byte offsets; fall back to the head of the message
		if utf8.RuneCountInString(content) > snippetRadius*2 {
			return string([]rune(content)[:snippetRadius*2]) + "..."
		}
		return content
	}

	runes := []rune(content[:idx])
	start := 0
	prefix := ""
	if len(runes) > snippetRadius {
		start = len(runes) - snippetRadius
		prefix = "..."
	}
	before := string(runes[start:])

	match := content[idx : idx+len(query)]
	afterRunes := []rune(content[idx+len(query):])
	suffix := ""
	if len(afterRunes) > snippetRadius {
		afterRunes = afterRunes[:snippetRadius]
		suffix = "..."
	}

	return prefix + before + "<mark>" + match + "</mark>" + string(afterRunes) + suffix
}
