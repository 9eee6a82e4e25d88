package storage

import "time"

// Agent is an operator-authored configuration record. It is read-only to the
// chat engine; edits happen through the admin surface. Webhook headers are
// stored encrypted because they usually carry third-party API keys.
type Agent struct {
	ID             string
	UID            string
	Name           string
	Description    string
	APIURL         string
	Prompt         string
	AgentRole      string
	IsPublic       bool
	EncHeadersJSON *string
	BodyJSON       string
	OptionsJSON    string
	CreatedAt      time.Time
}

// TranscriptRow is one persisted exchange: the user prompt and the assistant
// reply it produced. Failed exchanges never write a row.
type TranscriptRow struct {
	ID        string
	SessionID string
	UID       string
	AgentID   string
	Prompt    string
	Message   string
	CreatedAt time.Time
}

// SessionInfo is a derived view: sessions are not stored on their own, they
// are the grouping key over transcript rows.
type SessionInfo struct {
	SessionID    string
	Label        string
	MessageCount int
	LastActivity time.Time
}
