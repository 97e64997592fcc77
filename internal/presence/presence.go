// Package presence shares who is on a board and where their cursor is, and
// reconciles the remote roster with the UI's user list.
package presence

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"fullscreen/board/internal/replica"
	"fullscreen/board/internal/throttle"
)

// DefaultThrottle is the minimum spacing of roster reconciliations.
const DefaultThrottle = 150 * time.Millisecond

// User is the UI's view of a participant on the board.
type User struct {
	ID          string    `json:"id"`
	Point       []float64 `json:"point,omitempty"`
	Color       string    `json:"color,omitempty"`
	SelectedIDs []string  `json:"selectedIds,omitempty"`
	Status      string    `json:"status,omitempty"`
}

// Record is the presence state a participant publishes.
type Record struct {
	ParticipantID string `json:"id"`
	User          User   `json:"user"`
}

// Roster is the UI user list the coordinator keeps in step with the room.
// Its methods are called from channel goroutines, one call at a time.
type Roster interface {
	LocalUserID() string
	UserIDs() []string
	RemoveUser(id string)
	UpsertUsers(users []User)
}

type Option func(*Coordinator)

func WithThrottle(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithPassive(passive bool) Option {
	return func(c *Coordinator) { c.passive = passive }
}

// Coordinator wraps the awareness of one network channel. A nil awareness
// makes every operation a no-op.
type Coordinator struct {
	awareness     *replica.Awareness
	participantID string
	interval      time.Duration
	logger        *slog.Logger

	mu        sync.Mutex
	passive   bool
	unsub     func()
	coalescer *throttle.Coalescer[[]Record]
}

func NewCoordinator(awareness *replica.Awareness, participantID string, opts ...Option) *Coordinator {
	c := &Coordinator{
		awareness:     awareness,
		participantID: participantID,
		interval:      DefaultThrottle,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect subscribes ui to roster changes of other participants. A previous
// subscription is replaced.
func (c *Coordinator) Connect(ui Roster) {
	if c.awareness == nil || ui == nil {
		return
	}
	c.Disconnect()

	coalescer := throttle.New(c.interval, func(others []Record) {
		reconcile(ui, others)
	})
	self := c.awareness.ClientID()
	unsub := c.awareness.OnChange(func(change replica.AwarenessChange, origin any) {
		for _, id := range change.All() {
			if id != self {
				coalescer.Push(c.others())
				return
			}
		}
	})

	c.mu.Lock()
	c.unsub = unsub
	c.coalescer = coalescer
	c.mu.Unlock()

	if len(c.awareness.RemoteClients()) > 0 {
		coalescer.Push(c.others())
	}
	c.logger.Debug("presence: connected", "interval", c.interval)
}

func (c *Coordinator) others() []Record {
	self := c.awareness.ClientID()
	var out []Record
	for id, raw := range c.awareness.States() {
		if id == self {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil || rec.User.ID == "" {
			c.logger.Debug("presence: skipped state", "client", id, "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

func reconcile(ui Roster, others []Record) {
	present := make(map[string]bool, len(others))
	users := make([]User, 0, len(others))
	for _, rec := range others {
		present[rec.User.ID] = true
		users = append(users, rec.User)
	}
	local := ui.LocalUserID()
	for _, id := range ui.UserIDs() {
		if !present[id] && id != local {
			ui.RemoveUser(id)
		}
	}
	ui.UpsertUsers(users)
}

// Update publishes the local user's presence. It does nothing in passive
// mode or without a channel or participant.
func (c *Coordinator) Update(user User) {
	c.mu.Lock()
	passive := c.passive
	c.mu.Unlock()
	if passive || c.awareness == nil || c.participantID == "" {
		return
	}
	if err := c.awareness.SetLocalState(Record{ParticipantID: c.participantID, User: user}); err != nil {
		c.logger.Warn("presence: update failed", "err", err)
	}
}

// SetPassive switches passive mode. Entering it withdraws the published
// presence.
func (c *Coordinator) SetPassive(passive bool) {
	c.mu.Lock()
	was := c.passive
	c.passive = passive
	c.mu.Unlock()
	if passive && !was && c.awareness != nil {
		_ = c.awareness.SetLocalState(nil)
	}
}

func (c *Coordinator) Passive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passive
}

// Disconnect stops roster delivery. Safe when never connected.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	unsub, coalescer := c.unsub, c.coalescer
	c.unsub, c.coalescer = nil, nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if coalescer != nil {
		coalescer.Stop()
	}
}
