package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/dialogd/store"
)

func (d *DB) CreateIntentAmbiguity(ctx context.Context, create *store.IntentAmbiguity) (*store.IntentAmbiguity, error) {
	candidates, err := json.Marshal(create.Candidates)
	if err != nil {
		return nil, err
	}
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}

	err = d.db.QueryRowContext(ctx, `
		INSERT INTO intent_ambiguity (session_id, turn_id, candidates, resolved, resolved_as, created_ts)
		VALUES (`+placeholders(6)+`)
		RETURNING id`,
		create.SessionID, create.TurnID, string(candidates), create.Resolved, create.ResolvedAs, create.CreatedTs).Scan(&create.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create intent ambiguity: %w", err)
	}
	return create, nil
}

// GetOpenAmbiguity returns the most recent unresolved ambiguity for the session.
func (d *DB) GetOpenAmbiguity(ctx context.Context, sessionID int32) (*store.IntentAmbiguity, error) {
	a := &store.IntentAmbiguity{}
	var candidates []byte
	err := d.db.QueryRowContext(ctx, `
		SELECT id, session_id, turn_id, candidates, resolved, resolved_as, created_ts
		FROM intent_ambiguity
		WHERE session_id = $1 AND resolved = FALSE
		ORDER BY id DESC
		LIMIT 1`, sessionID).Scan(&a.ID, &a.SessionID, &a.TurnID, &candidates, &a.Resolved, &a.ResolvedAs, &a.CreatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open ambiguity: %w", err)
	}
	if err := unmarshalJSON(candidates, &a.Candidates); err != nil {
		return nil, fmt.Errorf("failed to decode ambiguity candidates: %w", err)
	}
	return a, nil
}

func (d *DB) UpdateIntentAmbiguity(ctx context.Context, update *store.UpdateIntentAmbiguity) error {
	set, args := []string{}, []any{}
	if update.Resolved != nil {
		set, args = append(set, "resolved = "+placeholder(len(args)+1)), append(args, *update.Resolved)
	}
	if update.ResolvedAs != nil {
		set, args = append(set, "resolved_as = "+placeholder(len(args)+1)), append(args, *update.ResolvedAs)
	}
	if len(set) == 0 {
		return fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	result, err := d.db.ExecContext(ctx,
		`UPDATE intent_ambiguity SET `+strings.Join(set, ", ")+` WHERE id = `+placeholder(len(args)), args...)
	if err != nil {
		return fmt.Errorf("failed to update intent ambiguity: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("intent ambiguity not found")
	}
	return nil
}

func (d *DB) CreateIntentTransfer(ctx context.Context, create *store.IntentTransfer) (*store.IntentTransfer, error) {
	snapshot, err := json.Marshal(create.SlotSnapshot)
	if err != nil {
		return nil, err
	}
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}

	err = d.db.QueryRowContext(ctx, `
		INSERT INTO intent_transfer (session_id, from_intent, to_intent, reason, slot_snapshot, confidence, success, created_ts)
		VALUES (`+placeholders(8)+`)
		RETURNING id`,
		create.SessionID, create.FromIntent, create.ToIntent, create.Reason, string(snapshot),
		create.Confidence, create.Success, create.CreatedTs).Scan(&create.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create intent transfer: %w", err)
	}
	return create, nil
}

func (d *DB) ListIntentTransfers(ctx context.Context, find *store.FindIntentTransfer) ([]*store.IntentTransfer, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.SessionID != nil {
		where, args = append(where, "session_id = "+placeholder(len(args)+1)), append(args, *find.SessionID)
	}
	if find.ToIntent != nil {
		where, args = append(where, "to_intent = "+placeholder(len(args)+1)), append(args, *find.ToIntent)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, session_id, from_intent, to_intent, reason, slot_snapshot, confidence, success, created_ts
		FROM intent_transfer
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list intent transfers: %w", err)
	}
	defer rows.Close()

	list := make([]*store.IntentTransfer, 0)
	for rows.Next() {
		t := &store.IntentTransfer{}
		var snapshot []byte
		if err := rows.Scan(&t.ID, &t.SessionID, &t.FromIntent, &t.ToIntent, &t.Reason,
			&snapshot, &t.Confidence, &t.Success, &t.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan intent transfer: %w", err)
		}
		if err := unmarshalJSON(snapshot, &t.SlotSnapshot); err != nil {
			return nil, fmt.Errorf("failed to decode slot snapshot: %w", err)
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
