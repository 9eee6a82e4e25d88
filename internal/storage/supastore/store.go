// Package supastore implements storage.Store against a hosted Supabase
// project through its PostgREST API. It is the drop-in alternative to
// sqlstore for deployments without direct database access.
package supastore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"agenthub/internal/storage"
)

type Store struct {
	client *supabase.Client
}

var _ storage.Store = (*Store)(nil)

func New(apiURL, apiKey string) (*Store, error) {
	if apiURL == "" || apiKey == "" {
		return nil, fmt.Errorf("supabase url or key is empty")
	}
	client, err := supabase.NewClient(apiURL, apiKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Store{client: client}, nil
}

type agentRow struct {
	ID             string    `json:"id"`
	UID            string    `json:"uid"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	APIURL         string    `json:"api_url"`
	Prompt         string    `json:"prompt"`
	AgentRole      string    `json:"agent_role"`
	IsPublic       bool      `json:"is_public"`
	EncHeadersJSON *string   `json:"enc_headers_json"`
	BodyJSON       string    `json:"body_json"`
	OptionsJSON    string    `json:"options_json"`
	CreatedAt      time.Time `json:"created_at"`
}

type transcriptRow struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UID       string    `json:"uid"`
	AgentID   string    `json:"agent_id"`
	Prompt    string    `json:"prompt"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) GetAgent(_ context.Context, id string) (storage.Agent, error) {
	resp, _, err := s.client.From("agents").
		Select("*", "", false).
		Eq("id", id).
		Limit(1, "").
		Execute()
	if err != nil {
		return storage.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	var rows []agentRow
	if err := json.Unmarshal(resp, &rows); err != nil {
		return storage.Agent{}, fmt.Errorf("unmarshal agent: %w", err)
	}
	if len(rows) == 0 {
		return storage.Agent{}, storage.ErrNotFound
	}
	return agentFromRow(rows[0]), nil
}

func (s *Store) ListAgents(_ context.Context, uid string) ([]storage.Agent, error) {
	resp, _, err := s.client.From("agents").
		Select("*", "", false).
		Or(fmt.Sprintf("uid.eq.%s,is_public.eq.true", quoteFilterValue(uid)), "").
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var rows []agentRow
	if err := json.Unmarshal(resp, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal agents: %w", err)
	}
	out := make([]storage.Agent, 0, len(rows))
	for _, r := range rows {
		out = append(out, agentFromRow(r))
	}
	return out, nil
}

func (s *Store) UpsertAgent(_ context.Context, a storage.Agent) error {
	if a.BodyJSON == "" {
		a.BodyJSON = "[]"
	}
	if a.OptionsJSON == "" {
		a.OptionsJSON = "{}"
	}
	row := map[string]any{
		"id":               a.ID,
		"uid":              a.UID,
		"name":             a.Name,
		"description":      a.Description,
		"api_url":          a.APIURL,
		"prompt":           a.Prompt,
		"agent_role":       a.AgentRole,
		"is_public":        a.IsPublic,
		"enc_headers_json": a.EncHeadersJSON,
		"body_json":        a.BodyJSON,
		"options_json":     a.OptionsJSON,
	}
	_, _, err := s.client.From("agents").Insert(row, true, "id", "", "").Execute()
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *Store) DeleteAgent(_ context.Context, id, uid string) error {
	resp, _, err := s.client.From("agents").
		Delete("representation", "").
		Eq("id", id).
		Eq("uid", uid).
		Execute()
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return requireAffected(resp)
}

func (s *Store) InsertTranscript(_ context.Context, row storage.TranscriptRow) error {
	_, _, err := s.client.From("agent_messages").Insert(transcriptRow{
		ID:        row.ID,
		SessionID: row.SessionID,
		UID:       row.UID,
		AgentID:   row.AgentID,
		Prompt:    row.Prompt,
		Message:   row.Message,
		CreatedAt: row.CreatedAt,
	}, false, "", "", "").Execute()
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

func (s *Store) ListTranscripts(_ context.Context, sessionID, uid string) ([]storage.TranscriptRow, error) {
	resp, _, err := s.client.From("agent_messages").
		Select("*", "", false).
		Eq("session_id", sessionID).
		Eq("uid", uid).
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	var rows []transcriptRow
	if err := json.Unmarshal(resp, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal transcripts: %w", err)
	}
	out := make([]storage.TranscriptRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, storage.TranscriptRow(r))
	}
	return out, nil
}

func (s *Store) DeleteTranscript(_ context.Context, id, uid string) error {
	resp, _, err := s.client.From("agent_messages").
		Delete("representation", "").
		Eq("id", id).
		Eq("uid", uid).
		Execute()
	if err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	return requireAffected(resp)
}

func (s *Store) ListSessions(ctx context.Context, agentID, uid string) ([]storage.SessionInfo, error) {
	resp, _, err := s.client.From("agent_messages").
		Select("id, session_id, uid, agent_id, prompt, created_at", "", false).
		Eq("agent_id", agentID).
		Eq("uid", uid).
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var rows []transcriptRow
	if err := json.Unmarshal(resp, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal session rows: %w", err)
	}

	order := make([]string, 0)
	byID := make(map[string]*storage.SessionInfo)
	for _, r := range rows {
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

	out := make([]storage.SessionInfo, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func (s *Store) RenameSession(_ context.Context, agentID, sessionID, uid, label string) error {
	resp, _, err := s.client.From("agent_messages").
		Update(map[string]any{"prompt": label}, "representation", "").
		Eq("agent_id", agentID).
		Eq("session_id", sessionID).
		Eq("uid", uid).
		Execute()
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return requireAffected(resp)
}

func (s *Store) DeleteSession(_ context.Context, agentID, sessionID, uid string) error {
	resp, _, err := s.client.From("agent_messages").
		Delete("representation", "").
		Eq("agent_id", agentID).
		Eq("session_id", sessionID).
		Eq("uid", uid).
		Execute()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireAffected(resp)
}

func (s *Store) Close() error {
	return nil
}

// quoteFilterValue wraps a value for use inside a PostgREST logic filter.
// The uid comes from a JWT claim, so reserved characters like "," or ")"
// must not be able to rewrite the filter expression.
func quoteFilterValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}

func agentFromRow(r agentRow) storage.Agent {
	return storage.Agent{
		ID:             r.ID,
		UID:            r.UID,
		Name:           r.Name,
		Description:    r.Description,
		APIURL:         r.APIURL,
		Prompt:         r.Prompt,
		AgentRole:      r.AgentRole,
		IsPublic:       r.IsPublic,
		EncHeadersJSON: r.EncHeadersJSON,
		BodyJSON:       r.BodyJSON,
		OptionsJSON:    r.OptionsJSON,
		CreatedAt:      r.CreatedAt,
	}
}

// requireAffected maps an empty "representation" payload to ErrNotFound, the
// PostgREST equivalent of RowsAffected() == 0.
func requireAffected(resp []byte) error {
	var rows []json.RawMessage
	if err := json.Unmarshal(resp, &rows); err != nil {
		return nil
	}
	if len(rows) == 0 {
		return storage.ErrNotFound
	}
	return nil
}
