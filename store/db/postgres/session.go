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

func (d *DB) CreateSession(ctx context.Context, create *store.Session) (*store.Session, error) {
	contextJSON, err := json.Marshal(orEmptyMap(create.Context))
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	create.CreatedTs = now
	create.UpdatedTs = now

	err = d.db.QueryRowContext(ctx, `
		INSERT INTO session (uid, user_id, current_intent, state, context, expires_ts, created_ts, updated_ts)
		VALUES (`+placeholders(8)+`)
		RETURNING id`,
		create.UID, create.UserID, create.CurrentIntent, create.State, string(contextJSON),
		create.ExpiresTs, create.CreatedTs, create.UpdatedTs).Scan(&create.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return create, nil
}

func (d *DB) GetSession(ctx context.Context, find *store.FindSession) (*store.Session, error) {
	list, err := d.ListSessions(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (d *DB) ListSessions(ctx context.Context, find *store.FindSession) ([]*store.Session, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = "+placeholder(len(args)+1)), append(args, *find.UID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.State != nil {
		where, args = append(where, "state = "+placeholder(len(args)+1)), append(args, string(*find.State))
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, uid, user_id, current_intent, state, context, expires_ts, created_ts, updated_ts
		FROM session
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY updated_ts DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Session, 0)
	for rows.Next() {
		s := &store.Session{}
		var contextJSON []byte
		if err := rows.Scan(&s.ID, &s.UID, &s.UserID, &s.CurrentIntent, &s.State, &contextJSON,
			&s.ExpiresTs, &s.CreatedTs, &s.UpdatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if err := unmarshalJSON(contextJSON, &s.Context); err != nil {
			return nil, fmt.Errorf("failed to decode session context: %w", err)
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func (d *DB) UpdateSession(ctx context.Context, update *store.UpdateSession) (*store.Session, error) {
	set, args := []string{}, []any{}

	if update.ClearIntent {
		set = append(set, "current_intent = NULL")
	} else if update.CurrentIntent != nil {
		set, args = append(set, "current_intent = "+placeholder(len(args)+1)), append(args, *update.CurrentIntent)
	}
	if update.State != nil {
		set, args = append(set, "state = "+placeholder(len(args)+1)), append(args, string(*update.State))
	}
	if update.Context != nil {
		contextJSON, err := json.Marshal(update.Context)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "context = "+placeholder(len(args)+1)), append(args, string(contextJSON))
	}
	if update.ExpiresTs != nil {
		set, args = append(set, "expires_ts = "+placeholder(len(args)+1)), append(args, *update.ExpiresTs)
	}
	updatedTs := time.Now().Unix()
	if update.UpdatedTs != nil {
		updatedTs = *update.UpdatedTs
	}
	set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, updatedTs)

	args = append(args, update.ID)
	stmt := `UPDATE session SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + `
		RETURNING id, uid, user_id, current_intent, state, context, expires_ts, created_ts, updated_ts`

	s := &store.Session{}
	var contextJSON []byte
	err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&s.ID, &s.UID, &s.UserID, &s.CurrentIntent,
		&s.State, &contextJSON, &s.ExpiresTs, &s.CreatedTs, &s.UpdatedTs)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session not found")
		}
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if err := unmarshalJSON(contextJSON, &s.Context); err != nil {
		return nil, fmt.Errorf("failed to decode session context: %w", err)
	}
	return s, nil
}

func (d *DB) DeleteSession(ctx context.Context, delete *store.DeleteSession) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM session WHERE id = $1`, delete.ID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session not found")
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
