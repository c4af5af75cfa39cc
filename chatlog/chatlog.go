package chatlog

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nicebartender/switchboard/chat"
)

//go:embed schema.sql
var schema string

// Log is the durable per-chat message history. Append-only; duplicate
// message ids within a chat are ignored so retried writes stay
// idempotent.
type Log struct {
	*sql.DB
}

func Open(path string) (*Log, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open chat log: %w", err)
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("chat log opened", "path", path)
	return &Log{sqlDB}, nil
}

// FindLog returns a chat's full history in insertion order.
func (l *Log) FindLog(chatID string) ([]chat.Message, error) {
	rows, err := l.Query(`
		SELECT id, author_type, author_id, text, meta, timestamp
		FROM messages WHERE chat_id = ?
		ORDER BY seq
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("find log: %w", err)
	}
	defer rows.Close()

	var history []chat.Message
	for rows.Next() {
		var m chat.Message
		var metaRaw string
		if err := rows.Scan(&m.ID, &m.Author.Type, &m.Author.ID, &m.Text, &metaRaw, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Context = chatID
		if metaRaw != "" && metaRaw != "{}" {
			if err := json.Unmarshal([]byte(metaRaw), &m.Meta); err != nil {
				slog.Warn("bad meta in chat log", "chat", chatID, "message", m.ID, "err", err)
			}
		}
		history = append(history, m)
	}
	return history, rows.Err()
}

func (l *Log) RecordCustomerMessage(c chat.Chat, m chat.Message) error {
	return l.record(c.ID, nil, m)
}

func (l *Log) RecordOperatorMessage(c chat.Chat, op chat.OperatorRef, m chat.Message) error {
	operatorID := op.ID
	return l.record(c.ID, &operatorID, m)
}

func (l *Log) RecordAgentMessage(c chat.Chat, m chat.Message) error {
	return l.record(c.ID, nil, m)
}

func (l *Log) record(chatID string, operatorID *string, m chat.Message) error {
	meta := "{}"
	if len(m.Meta) > 0 {
		raw, err := json.Marshal(m.Meta)
		if err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}
		meta = string(raw)
	}
	_, err := l.Exec(`
		INSERT OR IGNORE INTO messages (chat_id, id, author_type, author_id, operator_id, text, meta, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, chatID, m.ID, string(m.Author.Type), m.Author.ID, operatorID, m.Text, meta, m.Timestamp)
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}
