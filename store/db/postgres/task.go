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

func (d *DB) CreateAsyncTask(ctx context.Context, create *store.AsyncTask) (*store.AsyncTask, error) {
	payload, err := json.Marshal(orEmptyMap(create.Payload))
	if err != nil {
		return nil, err
	}
	result, err := json.Marshal(orEmptyMap(create.Result))
	if err != nil {
		return nil, err
	}
	logJSON, err := json.Marshal(create.Log)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	create.CreatedTs = now
	create.UpdatedTs = now

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO async_task (id, type, status, user_id, turn_id, payload, result, error, progress, log, created_ts, updated_ts, expires_ts)
		VALUES (`+placeholders(13)+`)`,
		create.ID, string(create.Type), string(create.Status), create.UserID, create.TurnID,
		string(payload), string(result), create.Error, create.Progress, string(logJSON),
		create.CreatedTs, create.UpdatedTs, create.ExpiresTs)
	if err != nil {
		return nil, fmt.Errorf("failed to create async task: %w", err)
	}
	return create, nil
}

func (d *DB) GetAsyncTask(ctx context.Context, id string) (*store.AsyncTask, error) {
	find := &store.FindAsyncTask{ID: &id}
	list, err := d.ListAsyncTasks(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (d *DB) ListAsyncTasks(ctx context.Context, find *store.FindAsyncTask) ([]*store.AsyncTask, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.Type != nil {
		where, args = append(where, "type = "+placeholder(len(args)+1)), append(args, string(*find.Type))
	}
	if find.Status != nil {
		where, args = append(where, "status = "+placeholder(len(args)+1)), append(args, string(*find.Status))
	}

	query := `
		SELECT id, type, status, user_id, turn_id, payload, result, error, progress, log, created_ts, updated_ts, expires_ts
		FROM async_task
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list async tasks: %w", err)
	}
	defer rows.Close()

	list := make([]*store.AsyncTask, 0)
	for rows.Next() {
		t := &store.AsyncTask{}
		var payload, result, logJSON []byte
		if err := rows.Scan(&t.ID, &t.Type, &t.Status, &t.UserID, &t.TurnID, &payload, &result,
			&t.Error, &t.Progress, &logJSON, &t.CreatedTs, &t.UpdatedTs, &t.ExpiresTs); err != nil {
			return nil, fmt.Errorf("failed to scan async task: %w", err)
		}
		if err := unmarshalJSON(payload, &t.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode task payload: %w", err)
		}
		if err := unmarshalJSON(result, &t.Result); err != nil {
			return nil, fmt.Errorf("failed to decode task result: %w", err)
		}
		if err := unmarshalJSON(logJSON, &t.Log); err != nil {
			return nil, fmt.Errorf("failed to decode task log: %w", err)
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (d *DB) UpdateAsyncTask(ctx context.Context, update *store.UpdateAsyncTask) (*store.AsyncTask, error) {
	set, args := []string{}, []any{}

	if update.Status != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, string(*update.Status))
	}
	if update.Result != nil {
		result, err := json.Marshal(update.Result)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "result = "+placeholder(len(args)+1)), append(args, string(result))
	}
	if update.Error != nil {
		set, args = append(set, "error = "+placeholder(len(args)+1)), append(args, *update.Error)
	}
	if update.Progress != nil {
		// Progress is monotonic; never step backwards.
		set, args = append(set, "progress = GREATEST(progress, "+placeholder(len(args)+1)+")"), append(args, *update.Progress)
	}
	if update.Log != nil {
		logJSON, err := json.Marshal(update.Log)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "log = "+placeholder(len(args)+1)), append(args, string(logJSON))
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}
	set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, time.Now().Unix())

	args = append(args, update.ID)
	where := `WHERE id = ` + placeholder(len(args))
	if update.IfStatus != nil {
		args = append(args, string(*update.IfStatus))
		where += ` AND status = ` + placeholder(len(args))
	}
	stmt := `UPDATE async_task SET ` + strings.Join(set, ", ") + ` ` + where + `
		RETURNING id, type, status, user_id, turn_id, payload, result, error, progress, log, created_ts, updated_ts, expires_ts`

	t := &store.AsyncTask{}
	var payload, result, logJSON []byte
	err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&t.ID, &t.Type, &t.Status, &t.UserID, &t.TurnID,
		&payload, &result, &t.Error, &t.Progress, &logJSON, &t.CreatedTs, &t.UpdatedTs, &t.ExpiresTs)
	if err != nil {
		if err == sql.ErrNoRows {
			if update.IfStatus != nil {
				// Guard miss: the task moved out of the expected status.
				return nil, nil
			}
			return nil, fmt.Errorf("async task not found")
		}
		return nil, fmt.Errorf("failed to update async task: %w", err)
	}
	if err := unmarshalJSON(payload, &t.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode task payload: %w", err)
	}
	if err := unmarshalJSON(result, &t.Result); err != nil {
		return nil, fmt.Errorf("failed to decode task result: %w", err)
	}
	if err := unmarshalJSON(logJSON, &t.Log); err != nil {
		return nil, fmt.Errorf("failed to decode task log: %w", err)
	}
	return t, nil
}

func (d *DB) CreateFunctionCallLog(ctx context.Context, create *store.FunctionCallLog) (*store.FunctionCallLog, error) {
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO function_call_log (session_id, turn_id, function_name, idempotency_key, request_body,
			response_body, status_code, attempts, success, elapsed_ms, error_message, created_ts)
		VALUES (`+placeholders(12)+`)
		RETURNING id`,
		create.SessionID, create.TurnID, create.FunctionName, create.IdempotencyKey, create.RequestBody,
		create.ResponseBody, create.StatusCode, create.Attempts, create.Success, create.ElapsedMs,
		create.ErrorMessage, create.CreatedTs).Scan(&create.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create function call log: %w", err)
	}
	return create, nil
}

func (d *DB) ListFunctionCallLogs(ctx context.Context, find *store.FindFunctionCallLog) ([]*store.FunctionCallLog, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.SessionID != nil {
		where, args = append(where, "session_id = "+placeholder(len(args)+1)), append(args, *find.SessionID)
	}
	if find.TurnID != nil {
		where, args = append(where, "turn_id = "+placeholder(len(args)+1)), append(args, *find.TurnID)
	}
	if find.IdempotencyKey != nil {
		where, args = append(where, "idempotency_key = "+placeholder(len(args)+1)), append(args, *find.IdempotencyKey)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, session_id, turn_id, function_name, idempotency_key, request_body, response_body,
			status_code, attempts, success, elapsed_ms, error_message, created_ts
		FROM function_call_log
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list function call logs: %w", err)
	}
	defer rows.Close()

	list := make([]*store.FunctionCallLog, 0)
	for rows.Next() {
		l := &store.FunctionCallLog{}
		if err := rows.Scan(&l.ID, &l.SessionID, &l.TurnID, &l.FunctionName, &l.IdempotencyKey,
			&l.RequestBody, &l.ResponseBody, &l.StatusCode, &l.Attempts, &l.Success, &l.ElapsedMs,
			&l.ErrorMessage, &l.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan function call log: %w", err)
		}
		list = append(list, l)
	}
	return list, rows.Err()
}
