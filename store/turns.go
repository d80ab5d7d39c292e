package store

import (
	"database/sql"
	"fmt"

	stemmgpt "github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt"
)

// AppendTurns records the user and assistant messages of one completed cycle
// in a single transaction.
func AppendTurns(db *sql.DB, sessionID, requestID string, msgs ...stemmgpt.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin turn tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if _, err := tx.Exec(
			`INSERT INTO turns (session_id, request_id, role, content) VALUES (?, ?, ?, ?)`,
			sessionID, requestID, string(m.Role), m.Content,
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	return tx.Commit()
}

// LoadTurns returns the journalled messages of a session in insertion order.
func LoadTurns(db *sql.DB, sessionID string) ([]stemmgpt.Message, error) {
	rows, err := db.Query(
		`SELECT role, content FROM turns WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var msgs []stemmgpt.Message
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}
		msgs = append(msgs, stemmgpt.Message{Role: stemmgpt.Role(role), Content: content})
	}
	return msgs, rows.Err()
}

// DeleteTurns forgets every turn of a session and returns how many were removed.
func DeleteTurns(db *sql.DB, sessionID string) (int64, error) {
	res, err := db.Exec(`DELETE FROM turns WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete turns: %w", err)
	}
	return res.RowsAffected()
}
