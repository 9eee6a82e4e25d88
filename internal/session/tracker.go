package session

import (
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a live transcript. User and assistant messages of
// the same exchange share an ExchangeID, so retry can remove the paired
// assistant turn by relation instead of list position. RowID links an
// assistant message to its persisted transcript row.
type Message struct {
	ID         string    `json:"id"`
	ExchangeID string    `json:"exchange_id,omitempty"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Error      string    `json:"error,omitempty"`
	Loading    bool      `json:"loading,omitempty"`
	RowID      string    `json:"row_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Key identifies one live transcript. Sessions are fully independent; the
// uid is part of the key so two users never share state.
type Key struct {
	SessionID string
	UID       string
}

// Tracker holds the in-memory transcript per session. Live lists carry both
// roles; a reload from storage replaces the list wholesale. Idle transcripts
// are dropped after idleTTL.
type Tracker struct {
	mu          sync.Mutex
	transcripts map[Key][]Message
	lastSeen    map[Key]time.Time
	idleTTL     time.Duration
	onEvict     func(Key)
}

func NewTracker(idleTTL time.Duration) *Tracker {
	if idleTTL <= 0 {
		idleTTL = time.Hour
	}
	return &Tracker{
		transcripts: map[Key][]Message{},
		lastSeen:    map[Key]time.Time{},
		idleTTL:     idleTTL,
	}
}

// OnEvict registers a callback fired for each session dropped by the idle
// sweep. It runs outside the tracker lock and must be set before use.
func (t *Tracker) OnEvict(fn func(Key)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvict = fn
}

// Messages returns a copy of the live transcript for a session.
func (t *Tracker) Messages(k Key) []Message {
	t.mu.Lock()
	evicted := t.cleanupLocked(time.Now())
	out := make([]Message, len(t.transcripts[k]))
	copy(out, t.transcripts[k])
	t.mu.Unlock()

	t.notify(evicted)
	return out
}

func (t *Tracker) Append(k Key, msgs ...Message) {
	t.mu.Lock()
	t.transcripts[k] = append(t.transcripts[k], msgs...)
	t.lastSeen[k] = time.Now()
	evicted := t.cleanupLocked(time.Now())
	t.mu.Unlock()

	t.notify(evicted)
}

// Update mutates the message with the given id in place.
func (t *Tracker) Update(k Key, id string, fn func(*Message)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.transcripts[k]
	for i := range list {
		if list[i].ID == id {
			fn(&list[i])
			t.lastSeen[k] = time.Now()
			return true
		}
	}
	return false
}

// Replace swaps the whole transcript, used when history is reloaded from
// storage.
func (t *Tracker) Replace(k Key, msgs []Message) {
	t.mu.Lock()
	list := make([]Message, len(msgs))
	copy(list, msgs)
	t.transcripts[k] = list
	t.lastSeen[k] = time.Now()
	evicted := t.cleanupLocked(time.Now())
	t.mu.Unlock()

	t.notify(evicted)
}

// RemoveAssistant drops the assistant message of an exchange, leaving the
// user message in place. Used by retry before resending.
func (t *Tracker) RemoveAssistant(k Key, exchangeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.transcripts[k]
	for i := range list {
		if list[i].ExchangeID == exchangeID && list[i].Role == RoleAssistant {
			t.transcripts[k] = append(list[:i], list[i+1:]...)
			t.lastSeen[k] = time.Now()
			return true
		}
	}
	return false
}

// RemoveRow drops the message tied to a deleted transcript row. It matches
// either the persisted row id or the message id, since reloaded messages use
// the row id as their own.
func (t *Tracker) RemoveRow(k Key, rowID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.transcripts[k]
	for i := range list {
		if list[i].RowID == rowID || list[i].ID == rowID {
			t.transcripts[k] = append(list[:i], list[i+1:]...)
			t.lastSeen[k] = time.Now()
			return true
		}
	}
	return false
}

func (t *Tracker) cleanupLocked(now time.Time) []Key {
	var evicted []Key
	for k, seen := range t.lastSeen {
		if seen.Add(t.idleTTL).Before(now) {
			delete(t.transcripts, k)
			delete(t.lastSeen, k)
			evicted = append(evicted, k)
		}
	}
	return evicted
}

func (t *Tracker) notify(evicted []Key) {
	t.mu.Lock()
	fn := t.onEvict
	t.mu.Unlock()
	if fn == nil {
		return
	}
	for _, k := range evicted {
		fn(k)
	}
}
