package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/dialogd/store"
)

// NextTurnNumber returns max(turn_number)+1 for the session. The caller holds
// the in-process session lock, so the read is stable until RecordTurn.
func (d *DB) NextTurnNumber(ctx context.Context, sessionID int32) (int32, error) {
	var next int32
	err := d.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_number), 0) + 1 FROM conversation WHERE session_id = $1`, sessionID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate turn number: %w", err)
	}
	return next, nil
}

// RecordTurn inserts the conversation record and its slot values in a single
// transaction. A crash before commit leaves no turn visible and no orphan
// slot values.
func (d *DB) RecordTurn(ctx context.Context, turn *store.ConversationTurn, slots []*store.SlotValue) (*store.ConversationTurn, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin turn transaction: %w", err)
	}
	defer tx.Rollback()

	if turn.CreatedTs == 0 {
		turn.CreatedTs = time.Now().Unix()
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversation (session_id, turn_number, user_input, intent, confidence,
			response, response_type, status, latency_ms, error_message, created_ts)
		VALUES (`+placeholders(11)+`)
		RETURNING id`,
		turn.SessionID, turn.TurnNumber, turn.UserInput, turn.Intent, turn.Confidence,
		turn.Response, string(turn.ResponseType), string(turn.Status), turn.LatencyMs,
		turn.ErrorMessage, turn.CreatedTs).Scan(&turn.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert conversation turn: %w", err)
	}

	for _, sv := range slots {
		sv.TurnID = turn.ID
		sv.SessionID = turn.SessionID
		if sv.CreatedTs == 0 {
			sv.CreatedTs = turn.CreatedTs
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO slot_value (turn_id, session_id, intent_name, slot_name, original_text,
				extracted, normalized, confidence, method, status, error_message, confirmed, created_ts)
			VALUES (`+placeholders(13)+`)
			RETURNING id`,
			sv.TurnID, sv.SessionID, sv.IntentName, sv.SlotName, sv.OriginalText,
			sv.Extracted, sv.Normalized, sv.Confidence, sv.Method, string(sv.Status),
			sv.ErrorMessage, sv.Confirmed, sv.CreatedTs).Scan(&sv.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert slot value %q: %w", sv.SlotName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit turn: %w", err)
	}
	return turn, nil
}

func (d *DB) ListConversationTurns(ctx context.Context, find *store.FindConversationTurn) ([]*store.ConversationTurn, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.SessionID != nil {
		where, args = append(where, "session_id = "+placeholder(len(args)+1)), append(args, *find.SessionID)
	}
	if find.TurnNumber != nil {
		where, args = append(where, "turn_number = "+placeholder(len(args)+1)), append(args, *find.TurnNumber)
	}

	query := `
		SELECT id, session_id, turn_number, user_input, intent, confidence, response,
			response_type, status, latency_ms, error_message, created_ts
		FROM conversation
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY turn_number DESC`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation turns: %w", err)
	}
	defer rows.Close()

	list := make([]*store.ConversationTurn, 0)
	for rows.Next() {
		t := &store.ConversationTurn{}
		if err := rows.Scan(&t.ID, &t.SessionID, &t.TurnNumber, &t.UserInput, &t.Intent, &t.Confidence,
			&t.Response, &t.ResponseType, &t.Status, &t.LatencyMs, &t.ErrorMessage, &t.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan conversation turn: %w", err)
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (d *DB) ListSlotValues(ctx context.Context, find *store.FindSlotValue) ([]*store.SlotValue, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.TurnID != nil {
		where, args = append(where, "turn_id = "+placeholder(len(args)+1)), append(args, *find.TurnID)
	}
	if find.SessionID != nil {
		where, args = append(where, "session_id = "+placeholder(len(args)+1)), append(args, *find.SessionID)
	}
	if find.SlotName != nil {
		where, args = append(where, "slot_name = "+placeholder(len(args)+1)), append(args, *find.SlotName)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, turn_id, session_id, intent_name, slot_name, original_text, extracted,
			normalized, confidence, method, status, error_message, confirmed, created_ts
		FROM slot_value
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list slot values: %w", err)
	}
	defer rows.Close()

	return scanSlotValues(rows)
}

// ListEffectiveSlotValues returns, per slot name, the most recent value whose
// status is valid or corrected.
func (d *DB) ListEffectiveSlotValues(ctx context.Context, sessionID int32) ([]*store.SlotValue, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT DISTINCT ON (slot_name)
			id, turn_id, session_id, intent_name, slot_name, original_text, extracted,
			normalized, confidence, method, status, error_message, confirmed, created_ts
		FROM slot_value
		WHERE session_id = $1 AND status IN ('valid', 'corrected')
		ORDER BY slot_name, id DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list effective slot values: %w", err)
	}
	defer rows.Close()

	return scanSlotValues(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanSlotValues(rows rowScanner) ([]*store.SlotValue, error) {
	list := make([]*store.SlotValue, 0)
	for rows.Next() {
		sv := &store.SlotValue{}
		if err := rows.Scan(&sv.ID, &sv.TurnID, &sv.SessionID, &sv.IntentName, &sv.SlotName,
			&sv.OriginalText, &sv.Extracted, &sv.Normalized, &sv.Confidence, &sv.Method,
			&sv.Status, &sv.ErrorMessage, &sv.Confirmed, &sv.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan slot value: %w", err)
		}
		list = append(list, sv)
	}
	return list, rows.Err()
}
