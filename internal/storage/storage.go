// Package storage defines the persistence contract for agents and chat
// transcripts. Two backends implement it: sqlstore (postgres or sqlite,
// reached directly) and supastore (hosted Supabase via PostgREST).
package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	GetAgent(ctx context.Context, id string) (Agent, error)
	ListAgents(ctx context.Context, uid string) ([]Agent, error)
	UpsertAgent(ctx context.Context, a Agent) error
	DeleteAgent(ctx context.Context, id, uid string) error

	InsertTranscript(ctx context.Context, row TranscriptRow) error
	ListTranscripts(ctx context.Context, sessionID, uid string) ([]TranscriptRow, error)
	DeleteTranscript(ctx context.Context, id, uid string) error

	ListSessions(ctx context.Context, agentID, uid string) ([]SessionInfo, error)
	RenameSession(ctx context.Context, agentID, sessionID, uid, label string) error
	DeleteSession(ctx context.Context, agentID, sessionID, uid string) error

	Close() error
}
