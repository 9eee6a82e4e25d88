// Package session owns the chat exchange lifecycle: admit a send, call the
// agent endpoint, track the live transcript, persist the completed exchange,
// and serve retry, reload and delete.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agenthub/internal/agentcall"
	"agenthub/internal/crypto"
	"agenthub/internal/guard"
	"agenthub/internal/metrics"
	"agenthub/internal/storage"
)

var (
	ErrEmptyContent = errors.New("message content is empty")
	ErrSendInFlight = errors.New("a send is already in flight for this session")
	ErrUnknownRetry = errors.New("no retry data for message")
)

// Exchange is the outcome of one send: the user message and the assistant
// message it produced. A failed call still returns both; the assistant
// message then carries an error string instead of content.
type Exchange struct {
	SessionID string  `json:"session_id"`
	User      Message `json:"user"`
	Assistant Message `json:"assistant"`
}

type retryData struct {
	key        Key
	exchangeID string
	content    string
	formData   map[string]string
}

type Controller struct {
	store   storage.Store
	client  *agentcall.Client
	crypto  *crypto.Manager
	lock    *guard.SendLock
	tracker *Tracker
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// onWarning is the side-channel for failures that deliberately do not
	// change an exchange's outcome, such as a failed transcript write.
	onWarning func(string)

	mu       sync.Mutex
	inflight map[Key]bool
	retries  map[string]retryData
}

type Config struct {
	Store     storage.Store
	Client    *agentcall.Client
	Crypto    *crypto.Manager
	SendLock  *guard.SendLock
	Tracker   *Tracker
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	OnWarning func(string)
}

func NewController(cfg Config) *Controller {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewTracker(time.Hour)
	}
	c := &Controller{
		store:     cfg.Store,
		client:    cfg.Client,
		crypto:    cfg.Crypto,
		lock:      cfg.SendLock,
		tracker:   cfg.Tracker,
		logger:    cfg.Logger,
		metrics:   m,
		onWarning: cfg.OnWarning,
		inflight:  map[Key]bool{},
		retries:   map[string]retryData{},
	}
	c.tracker.OnEvict(c.dropSessionState)
	return c
}

// dropSessionState releases retry bookkeeping for a session the tracker has
// evicted, so idle sessions leave nothing behind.
func (c *Controller) dropSessionState(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, rd := range c.retries {
		if rd.key == k {
			delete(c.retries, id)
		}
	}
}

// Send runs one exchange. Empty content and an already-admitted send are
// rejected before any state changes: the transcript stays untouched.
//
// A transcript row is written only when the call succeeded, inside the same
// call that produced the reply, so rows land in send order. A failed write
// does not fail the exchange; it is logged, counted and pushed to the
// warning side-channel.
func (c *Controller) Send(ctx context.Context, agent storage.Agent, sessionID, uid, content string, formData map[string]string) (Exchange, error) {
	if strings.TrimSpace(content) == "" {
		return Exchange{}, ErrEmptyContent
	}

	key := Key{SessionID: sessionID, UID: uid}
	ok, err := c.lock.Acquire(ctx, sessionID, uid)
	if err != nil {
		return Exchange{}, fmt.Errorf("acquire send lock: %w", err)
	}
	if !ok {
		return Exchange{}, ErrSendInFlight
	}

	c.metrics.ExchangesStarted.Inc()
	now := time.Now().UTC()
	exchangeID := uuid.NewString()
	user := Message{
		ID:         uuid.NewString(),
		ExchangeID: exchangeID,
		Role:       RoleUser,
		Content:    content,
		Timestamp:  now,
	}
	assistant := Message{
		ID:         uuid.NewString(),
		ExchangeID: exchangeID,
		Role:       RoleAssistant,
		Loading:    true,
		Timestamp:  now,
	}
	c.tracker.Append(key, user, assistant)
	c.rememberRetry(user.ID, retryData{key: key, exchangeID: exchangeID, content: content, formData: formData})

	c.setInFlight(key, true)
	defer func() {
		c.setInFlight(key, false)
		if err := c.lock.Release(context.WithoutCancel(ctx), sessionID, uid); err != nil {
			c.logger.Debug().Err(err).Str("session_id", sessionID).Msg("failed to release send lock")
		}
	}()

	text, callErr := c.invoke(ctx, agent, sessionID, uid, content, formData)
	if callErr != nil {
		assistant.Loading = false
		assistant.Error = callErr.Error()
		c.tracker.Update(key, assistant.ID, func(m *Message) { *m = assistant })
		c.metrics.ExchangesFailed.Inc()
		c.logger.Warn().Err(callErr).Str("agent_id", agent.ID).Str("session_id", sessionID).Msg("agent call failed")
		return Exchange{SessionID: sessionID, User: user, Assistant: assistant}, nil
	}

	assistant.Loading = false
	assistant.Content = text

	row := storage.TranscriptRow{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UID:       uid,
		AgentID:   agent.ID,
		Prompt:    content,
		Message:   text,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.InsertTranscript(ctx, row); err != nil {
		// the exchange already succeeded; surface the write failure out of band
		c.metrics.PersistFailures.Inc()
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist transcript row")
		c.warn(fmt.Sprintf("transcript not saved: %v", err))
	} else {
		assistant.RowID = row.ID
	}

	c.tracker.Update(key, assistant.ID, func(m *Message) { *m = assistant })
	c.metrics.ExchangesSucceeded.Inc()
	return Exchange{SessionID: sessionID, User: user, Assistant: assistant}, nil
}

func (c *Controller) invoke(ctx context.Context, agent storage.Agent, sessionID, uid, content string, formData map[string]string) (string, error) {
	headers := map[string]string{}
	if agent.EncHeadersJSON != nil {
		var err error
		headers, err = c.crypto.DecryptHeaders(*agent.EncHeadersJSON)
		if err != nil {
			return "", fmt.Errorf("decrypt agent headers: %w", err)
		}
	}
	return c.client.Send(ctx, agent.APIURL, headers, agentcall.Request{
		Query:     content,
		AgentRole: agent.AgentRole,
		Prompt:    agent.Prompt,
		UID:       uid,
		SessionID: sessionID,
		FormData:  formData,
	})
}

// Retry resends a previous user message. The paired assistant message is
// removed by exchange id; the resend then appends a fresh pair with new ids.
func (c *Controller) Retry(ctx context.Context, agent storage.Agent, sessionID, uid, userMessageID string) (Exchange, error) {
	key := Key{SessionID: sessionID, UID: uid}
	rd, ok := c.lookupRetry(userMessageID)
	if !ok || rd.key != key {
		return Exchange{}, ErrUnknownRetry
	}
	c.tracker.RemoveAssistant(key, rd.exchangeID)
	return c.Send(ctx, agent, sessionID, uid, rd.content, rd.formData)
}

// LoadHistory rebuilds the live transcript from storage. Only the assistant
// half of each exchange is surfaced on reload; rows with an empty message
// are dropped. The in-memory list is replaced, not merged.
func (c *Controller) LoadHistory(ctx context.Context, sessionID, uid string) ([]Message, error) {
	rows, err := c.store.ListTranscripts(ctx, sessionID, uid)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	msgs := make([]Message, 0, len(rows))
	for _, row := range rows {
		if row.Message == "" {
			continue
		}
		msgs = append(msgs, Message{
			ID:        row.ID,
			Role:      RoleAssistant,
			Content:   row.Message,
			RowID:     row.ID,
			Timestamp: row.CreatedAt,
		})
	}

	c.tracker.Replace(Key{SessionID: sessionID, UID: uid}, msgs)
	c.metrics.HistoryLoads.Inc()
	return msgs, nil
}

// DeleteMessage removes a persisted transcript row, scoped to the owning
// user. The live list is not self-mutated; callers drop the message via
// Forget once the delete succeeded.
func (c *Controller) DeleteMessage(ctx context.Context, rowID, uid string) error {
	return c.store.DeleteTranscript(ctx, rowID, uid)
}

func (c *Controller) Forget(sessionID, uid, rowID string) bool {
	return c.tracker.RemoveRow(Key{SessionID: sessionID, UID: uid}, rowID)
}

func (c *Controller) Messages(sessionID, uid string) []Message {
	return c.tracker.Messages(Key{SessionID: sessionID, UID: uid})
}

// InFlight reports whether a request is actually outstanding for a session.
// This is distinct from the send lock, which expires on its own TTL.
func (c *Controller) InFlight(sessionID, uid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[Key{SessionID: sessionID, UID: uid}]
}

func (c *Controller) setInFlight(k Key, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v {
		c.inflight[k] = true
		return
	}
	delete(c.inflight, k)
}

func (c *Controller) rememberRetry(userMessageID string, rd retryData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries[userMessageID] = rd
}

func (c *Controller) lookupRetry(userMessageID string) (retryData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rd, ok := c.retries[userMessageID]
	return rd, ok
}

func (c *Controller) warn(msg string) {
	if c.onWarning != nil {
		c.onWarning(msg)
	}
}
