package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hrygo/dialogd/store"
)

// unmarshalJSON decodes a JSONB column into dst, tolerating NULL.
func unmarshalJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func (d *DB) ListIntentDefs(ctx context.Context, find *store.FindIntentDef) ([]*store.IntentDef, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.Name != nil {
		where, args = append(where, "name = "+placeholder(len(args)+1)), append(args, *find.Name)
	}
	if find.Active != nil {
		where, args = append(where, "active = "+placeholder(len(args)+1)), append(args, *find.Active)
	}

	query := `
		SELECT id, name, display_name, category, priority, threshold, examples, keywords,
			fallback_reply, cancel_intent, active, created_ts, updated_ts
		FROM intent
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY priority DESC, name ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents: %w", err)
	}
	defer rows.Close()

	list := make([]*store.IntentDef, 0)
	for rows.Next() {
		i := &store.IntentDef{}
		var examples, keywords []byte
		if err := rows.Scan(&i.ID, &i.Name, &i.DisplayName, &i.Category, &i.Priority, &i.Threshold,
			&examples, &keywords, &i.FallbackReply, &i.CancelIntent, &i.Active, &i.CreatedTs, &i.UpdatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		if err := unmarshalJSON(examples, &i.Examples); err != nil {
			return nil, fmt.Errorf("failed to decode intent examples: %w", err)
		}
		if err := unmarshalJSON(keywords, &i.Keywords); err != nil {
			return nil, fmt.Errorf("failed to decode intent keywords: %w", err)
		}
		list = append(list, i)
	}
	return list, rows.Err()
}

func (d *DB) UpdateIntentDef(ctx context.Context, update *store.UpdateIntentDef) error {
	if update.Active == nil {
		return fmt.Errorf("no fields to update")
	}
	result, err := d.db.ExecContext(ctx, `UPDATE intent SET active = $1 WHERE id = $2`, *update.Active, update.ID)
	if err != nil {
		return fmt.Errorf("failed to update intent: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("intent not found")
	}
	return nil
}

func (d *DB) ListSlotDefs(ctx context.Context, find *store.FindSlotDef) ([]*store.SlotDef, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.IntentName != nil {
		where, args = append(where, "intent_name = "+placeholder(len(args)+1)), append(args, *find.IntentName)
	}

	query := `
		SELECT id, intent_name, name, type, entity_type, required, is_list, rules,
			extraction_rules, default_value, prompt_template, extraction_priority, threshold
		FROM slot
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY extraction_priority DESC, name ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	defer rows.Close()

	list := make([]*store.SlotDef, 0)
	for rows.Next() {
		s := &store.SlotDef{}
		var rules, extRules []byte
		if err := rows.Scan(&s.ID, &s.IntentName, &s.Name, &s.Type, &s.EntityType, &s.Required, &s.List,
			&rules, &extRules, &s.DefaultValue, &s.PromptTemplate, &s.ExtractionPriority, &s.Threshold); err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		if err := unmarshalJSON(rules, &s.Rules); err != nil {
			return nil, fmt.Errorf("failed to decode slot rules: %w", err)
		}
		if err := unmarshalJSON(extRules, &s.ExtractionRules); err != nil {
			return nil, fmt.Errorf("failed to decode slot extraction rules: %w", err)
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func (d *DB) ListSlotDependencies(ctx context.Context, find *store.FindSlotDependency) ([]*store.SlotDependency, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.IntentName != nil {
		where, args = append(where, "intent_name = "+placeholder(len(args)+1)), append(args, *find.IntentName)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, intent_name, dependent, required_on, type, condition
		FROM slot_dependency
		WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list slot dependencies: %w", err)
	}
	defer rows.Close()

	list := make([]*store.SlotDependency, 0)
	for rows.Next() {
		dep := &store.SlotDependency{}
		if err := rows.Scan(&dep.ID, &dep.IntentName, &dep.Dependent, &dep.RequiredOn, &dep.Type, &dep.Condition); err != nil {
			return nil, fmt.Errorf("failed to scan slot dependency: %w", err)
		}
		list = append(list, dep)
	}
	return list, rows.Err()
}

func (d *DB) ListFunctionDefs(ctx context.Context, find *store.FindFunctionDef) ([]*store.FunctionDef, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.IntentName != nil {
		where, args = append(where, "intent_name = "+placeholder(len(args)+1)), append(args, *find.IntentName)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, intent_name, name, url, method, headers, param_mapping,
			timeout_seconds, retry_count, asynchronous, success_template, error_template
		FROM function
		WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list functions: %w", err)
	}
	defer rows.Close()

	list := make([]*store.FunctionDef, 0)
	for rows.Next() {
		f := &store.FunctionDef{}
		var headers, params []byte
		if err := rows.Scan(&f.ID, &f.IntentName, &f.Name, &f.URL, &f.Method, &headers, &params,
			&f.TimeoutSeconds, &f.RetryCount, &f.Asynchronous, &f.SuccessTemplate, &f.ErrorTemplate); err != nil {
			return nil, fmt.Errorf("failed to scan function: %w", err)
		}
		if err := unmarshalJSON(headers, &f.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode function headers: %w", err)
		}
		if err := unmarshalJSON(params, &f.ParamMapping); err != nil {
			return nil, fmt.Errorf("failed to decode function param mapping: %w", err)
		}
		list = append(list, f)
	}
	return list, rows.Err()
}

func (d *DB) ListPromptTemplates(ctx context.Context, find *store.FindPromptTemplate) ([]*store.PromptTemplate, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.Type != nil {
		where, args = append(where, "type = "+placeholder(len(args)+1)), append(args, string(*find.Type))
	}
	if find.IntentName != nil {
		where, args = append(where, "intent_name = "+placeholder(len(args)+1)), append(args, *find.IntentName)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, type, intent_name, content
		FROM prompt_template
		WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	list := make([]*store.PromptTemplate, 0)
	for rows.Next() {
		t := &store.PromptTemplate{}
		if err := rows.Scan(&t.ID, &t.Type, &t.IntentName, &t.Content); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (d *DB) ListEntityEntries(ctx context.Context, find *store.FindEntityEntry) ([]*store.EntityEntry, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.Type != nil {
		where, args = append(where, "type = "+placeholder(len(args)+1)), append(args, *find.Type)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, type, canonical, aliases, weight, metadata
		FROM entity_entry
		WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity entries: %w", err)
	}
	defer rows.Close()

	list := make([]*store.EntityEntry, 0)
	for rows.Next() {
		e := &store.EntityEntry{}
		var aliases, metadata []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.Canonical, &aliases, &e.Weight, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan entity entry: %w", err)
		}
		if err := unmarshalJSON(aliases, &e.Aliases); err != nil {
			return nil, fmt.Errorf("failed to decode entity aliases: %w", err)
		}
		if err := unmarshalJSON(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode entity metadata: %w", err)
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

func (d *DB) ListSynonymGroups(ctx context.Context, find *store.FindSynonymGroup) ([]*store.SynonymGroup, error) {
	query := `SELECT id, name, terms FROM synonym_group`
	args := []any{}
	if find.Term != nil {
		query += ` WHERE terms @> ` + placeholder(1)
		termJSON, err := json.Marshal([]string{*find.Term})
		if err != nil {
			return nil, err
		}
		args = append(args, string(termJSON))
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list synonym groups: %w", err)
	}
	defer rows.Close()

	list := make([]*store.SynonymGroup, 0)
	for rows.Next() {
		g := &store.SynonymGroup{}
		var terms []byte
		if err := rows.Scan(&g.ID, &g.Name, &terms); err != nil {
			return nil, fmt.Errorf("failed to scan synonym group: %w", err)
		}
		if err := unmarshalJSON(terms, &g.Terms); err != nil {
			return nil, fmt.Errorf("failed to decode synonym terms: %w", err)
		}
		list = append(list, g)
	}
	return list, rows.Err()
}

func (d *DB) ListStopWords(ctx context.Context) ([]*store.StopWord, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, word FROM stop_word`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stop words: %w", err)
	}
	defer rows.Close()

	list := make([]*store.StopWord, 0)
	for rows.Next() {
		w := &store.StopWord{}
		if err := rows.Scan(&w.ID, &w.Word); err != nil {
			return nil, fmt.Errorf("failed to scan stop word: %w", err)
		}
		list = append(list, w)
	}
	return list, rows.Err()
}

func (d *DB) GetUser(ctx context.Context, find *store.FindUser) (*store.User, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.Username != nil {
		where, args = append(where, "username = "+placeholder(len(args)+1)), append(args, *find.Username)
	}

	u := &store.User{}
	err := d.db.QueryRowContext(ctx, `SELECT id, username, created_ts FROM "user" WHERE `+strings.Join(where, " AND "), args...).
		Scan(&u.ID, &u.Username, &u.CreatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (d *DB) GetUserPreferences(ctx context.Context, find *store.FindUserPreferences) (*store.UserPreferences, error) {
	p := &store.UserPreferences{UserID: find.UserID}
	var prefs []byte
	err := d.db.QueryRowContext(ctx, `SELECT prefs, updated_ts FROM user_preferences WHERE user_id = $1`, find.UserID).
		Scan(&prefs, &p.UpdatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user preferences: %w", err)
	}
	if err := unmarshalJSON(prefs, &p.Prefs); err != nil {
		return nil, fmt.Errorf("failed to decode user preferences: %w", err)
	}
	return p, nil
}

func (d *DB) UpsertUserPreferences(ctx context.Context, upsert *store.UpsertUserPreferences) (*store.UserPreferences, error) {
	prefs, err := json.Marshal(upsert.Prefs)
	if err != nil {
		return nil, err
	}
	p := &store.UserPreferences{UserID: upsert.UserID, Prefs: upsert.Prefs}
	err = d.db.QueryRowContext(ctx, `
		INSERT INTO user_preferences (user_id, prefs, updated_ts)
		VALUES ($1, $2, EXTRACT(EPOCH FROM NOW())::BIGINT)
		ON CONFLICT (user_id) DO UPDATE SET prefs = EXCLUDED.prefs, updated_ts = EXCLUDED.updated_ts
		RETURNING updated_ts`, upsert.UserID, string(prefs)).Scan(&p.UpdatedTs)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user preferences: %w", err)
	}
	return p, nil
}
