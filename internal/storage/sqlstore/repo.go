package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"agenthub/internal/storage"
)

var agentColumns = []string{
	"id", "uid", "name", "description", "api_url", "prompt", "agent_role",
	"is_public", "enc_headers_json", "body_json", "options_json", "created_at",
}

func (s *Store) GetAgent(ctx context.Context, id string) (storage.Agent, error) {
	q := s.sql.Select(agentColumns...).From("agents").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return storage.Agent{}, fmt.Errorf("build get agent query: %w", err)
	}
	a, err := scanAgent(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Agent{}, storage.ErrNotFound
		}
		return storage.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, uid string) ([]storage.Agent, error) {
	q := s.sql.Select(agentColumns...).
		From("agents").
		Where(sq.Or{sq.Eq{"uid": uid}, sq.Eq{"is_public": true}}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list agents query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	out := make([]storage.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertAgent(ctx context.Context, a storage.Agent) error {
	if a.BodyJSON == "" {
		a.BodyJSON = "[]"
	}
	if a.OptionsJSON == "" {
		a.OptionsJSON = "{}"
	}
	q := s.sql.Insert("agents").
		Columns("id", "uid", "name", "description", "api_url", "prompt", "agent_role", "is_public", "enc_headers_json", "body_json", "options_json").
		Values(a.ID, a.UID, a.Name, a.Description, a.APIURL, a.Prompt, a.AgentRole, a.IsPublic, a.EncHeadersJSON, a.BodyJSON, a.OptionsJSON).
		Suffix("ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description, api_url=excluded.api_url, prompt=excluded.prompt, agent_role=excluded.agent_role, is_public=excluded.is_public, enc_headers_json=excluded.enc_headers_json, body_json=excluded.body_json, options_json=excluded.options_json")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build agent upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *Store) DeleteAgent(ctx context.Context, id, uid string) error {
	q := s.sql.Delete("agents").Where(sq.Eq{"id": id, "uid": uid})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete agent query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) InsertTranscript(ctx context.Context, row storage.TranscriptRow) error {
	q := s.sql.Insert("agent_messages").
		Columns("id", "session_id", "uid", "agent_id", "prompt", "message", "created_at").
		Values(row.ID, row.SessionID, row.UID, row.AgentID, row.Prompt, row.Message, row.CreatedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build transcript insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

func (s *Store) ListTranscripts(ctx context.Context, sessionID, uid string) ([]storage.TranscriptRow, error) {
	q := s.sql.Select("id", "session_id", "uid", "agent_id", "prompt", "message", "created_at").
		From("agent_messages").
		Where(sq.Eq{"session_id": sessionID, "uid": uid}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list transcripts query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	out := make([]storage.TranscriptRow, 0)
	for rows.Next() {
		var r storage.TranscriptRow
		if err := rows.Scan(&r.ID, &r.SessionID, &r.UID, &r.AgentID, &r.Prompt, &r.Message, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteTranscript(ctx context.Context, id, uid string) error {
	q := s.sql.Delete("agent_messages").Where(sq.Eq{"id": id, "uid": uid})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete transcript query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListSessions folds transcript rows into one entry per session id. The label
// is the prompt of the most recent row, which is also what a rename rewrites.
func (s *Store) ListSessions(ctx context.Context, agentID, uid string) ([]storage.SessionInfo, error) {
	q := s.sql.Select("session_id", "prompt", "created_at").
		From("agent_messages").
		Where(sq.Eq{"agent_id": agentID, "uid": uid}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	order := make([]string, 0)
	byID := make(map[string]*storage.SessionInfo)
	for rows.Next() {
		var r storage.TranscriptRow
		if err := rows.Scan(&r.SessionID, &r.Prompt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		info, ok := byID[r.SessionID]
		if !ok {
			info = &storage.SessionInfo{SessionID: r.SessionID}
			byID[r.SessionID] = info
			order = append(order, r.SessionID)
		}
		info.Label = r.Prompt
		info.MessageCount++
		if r.CreatedAt.After(info.LastActivity) {
			info.LastActivity = r.CreatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}

	out := make([]storage.SessionInfo, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func (s *Store) RenameSession(ctx context.Context, agentID, sessionID, uid, label string) error {
	q := s.sql.Update("agent_messages").
		Set("prompt", label).
		Where(sq.Eq{"agent_id": agentID, "session_id": sessionID, "uid": uid})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build rename session query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, agentID, sessionID, uid string) error {
	q := s.sql.Delete("agent_messages").Where(sq.Eq{"agent_id": agentID, "session_id": sessionID, "uid": uid})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete session query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(r rowScanner) (storage.Agent, error) {
	var a storage.Agent
	var encHeaders sql.NullString
	if err := r.Scan(
		&a.ID,
		&a.UID,
		&a.Name,
		&a.Description,
		&a.APIURL,
		&a.Prompt,
		&a.AgentRole,
		&a.IsPublic,
		&encHeaders,
		&a.BodyJSON,
		&a.OptionsJSON,
		&a.CreatedAt,
	); err != nil {
		return storage.Agent{}, err
	}
	if encHeaders.Valid {
		a.EncHeadersJSON = &encHeaders.String
	}
	return a, nil
}
