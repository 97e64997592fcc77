// Package replica is a small replicated map store used as the shared state
// of a board. Every map entry is a last-writer-wins register ordered by a
// Lamport clock and the writing client id. Updates are idempotent and
// commutative, so replicas converge regardless of delivery order.
package replica

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// Names of the shared maps of a board document.
const (
	MapShapes   = "shapes"
	MapBindings = "bindings"
	MapBoard    = "board"
)

type localOrigin struct{}

// LocalOrigin marks transactions made by the local user. The undo manager
// tracks only transactions with this origin (or a nil origin).
var LocalOrigin any = localOrigin{}

type entry struct {
	Value   json.RawMessage
	Deleted bool
	Clock   uint64
	Client  uint64
}

func (e entry) newerThan(other entry) bool {
	if e.Clock != other.Clock {
		return e.Clock > other.Clock
	}
	return e.Client > other.Client
}

func (e entry) live() bool {
	return !e.Deleted && len(e.Value) > 0
}

type Action int

const (
	ActionAdd Action = iota + 1
	ActionUpdate
	ActionDelete
)

// Change describes what happened to one key in a transaction.
type Change struct {
	Action   Action
	OldValue json.RawMessage
}

// Event is the change notification for one map in one transaction.
type Event struct {
	Map    string
	Keys   map[string]Change
	Origin any
	// Local is false for updates applied from another replica.
	Local bool
	// Reset is set when the whole document was replaced.
	Reset bool
}

type observer struct {
	id   uint64
	maps map[string]bool
	fn   func([]Event)
}

type updateSub struct {
	id    uint64
	epoch uint64
	fn    func(update []byte, origin any)
}

type notification struct {
	events []Event
	update []byte
	origin any
	epoch  uint64
}

type txnKind int

const (
	kindNormal txnKind = iota
	kindUndo
	kindRedo
)

// Store holds the shared maps of one document and is the single owner of
// their state. Transactions are applied under a lock; observers are called
// after the commit, outside the lock, in commit order.
type Store struct {
	clientID uint64
	logger   *slog.Logger

	mu    sync.Mutex
	epoch uint64
	clock uint64
	maps  map[string]map[string]entry

	subMu     sync.Mutex
	nextSubID uint64
	observers []*observer
	updates   []*updateSub

	queueMu     sync.Mutex
	queue       []notification
	dispatching bool

	undo *UndoManager
}

type Option func(*Store)

// WithClientID fixes the replica client id. Random by default.
func WithClientID(id uint64) Option {
	return func(s *Store) {
		if id != 0 {
			s.clientID = id
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCaptureTimeout sets the window in which consecutive local edits are
// grouped into one undo step.
func WithCaptureTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.undo.captureTimeout = d
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		clientID: randomClientID(),
		logger:   slog.Default(),
		maps:     newMaps(),
	}
	s.undo = newUndoManager(s, []string{MapShapes, MapBindings})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newMaps() map[string]map[string]entry {
	return map[string]map[string]entry{
		MapShapes:   {},
		MapBindings: {},
		MapBoard:    {},
	}
}

func randomClientID() uint64 {
	var buf [8]byte
	for {
		_, _ = rand.Read(buf[:])
		// Keep ids within the float64-safe integer range so they survive JSON.
		id := binary.BigEndian.Uint64(buf[:]) & (1<<53 - 1)
		if id != 0 {
			return id
		}
	}
}

// ClientID identifies this replica in updates and awareness states.
func (s *Store) ClientID() uint64 {
	return s.clientID
}

// UndoManager returns the undo manager scoped to shapes and bindings.
func (s *Store) UndoManager() *UndoManager {
	return s.undo
}

func (s *Store) Undo() bool { return s.undo.Undo() }
func (s *Store) Redo() bool { return s.undo.Redo() }

// Epoch increments on every Reset. Update subscriptions are bound to the
// epoch they were made in.
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Get returns the live value of key in the named map.
func (s *Store) Get(mapName, key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.maps[mapName][key]
	if !ok || !item.live() {
		return nil, false
	}
	return cloneRaw(item.Value), true
}

// GetString decodes a string value. It reports false for missing keys and
// non-string values.
func (s *Store) GetString(mapName, key string) (string, bool) {
	raw, ok := s.Get(mapName, key)
	if !ok {
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return value, true
}

// Entries returns a copy of all live values in the named map.
func (s *Store) Entries(mapName string) map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.maps[mapName]))
	for key, item := range s.maps[mapName] {
		if item.live() {
			out[key] = cloneRaw(item.Value)
		}
	}
	return out
}

// Keys returns the sorted live keys of the named map.
func (s *Store) Keys(mapName string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.maps[mapName]))
	for key, item := range s.maps[mapName] {
		if item.live() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Size reports the number of entries, tombstones included.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.maps {
		n += len(m)
	}
	return n
}

// Txn stages the writes of one transaction. Nothing is visible to other
// readers until the transaction function returns without error.
type Txn struct {
	store  *Store
	ops    []stagedOp
	staged map[string]map[string]int
}

type stagedOp struct {
	Map     string
	Key     string
	Value   json.RawMessage
	Deleted bool
}

// Set stages value (JSON-encoded) under key.
func (tx *Txn) Set(mapName, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", mapName, key, err)
	}
	tx.SetRaw(mapName, key, raw)
	return nil
}

// SetRaw stages an already encoded JSON value under key.
func (tx *Txn) SetRaw(mapName, key string, raw json.RawMessage) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		tx.Delete(mapName, key)
		return
	}
	tx.stage(stagedOp{Map: mapName, Key: key, Value: cloneRaw(raw)})
}

func (tx *Txn) Delete(mapName, key string) {
	tx.stage(stagedOp{Map: mapName, Key: key, Deleted: true})
}

// Get reads key, observing writes staged earlier in this transaction.
func (tx *Txn) Get(mapName, key string) (json.RawMessage, bool) {
	if idx, ok := tx.staged[mapName][key]; ok {
		op := tx.ops[idx]
		if op.Deleted {
			return nil, false
		}
		return cloneRaw(op.Value), true
	}
	return tx.store.Get(mapName, key)
}

func (tx *Txn) stage(op stagedOp) {
	if tx.staged == nil {
		tx.staged = make(map[string]map[string]int)
	}
	if tx.staged[op.Map] == nil {
		tx.staged[op.Map] = make(map[string]int)
	}
	if idx, ok := tx.staged[op.Map][op.Key]; ok {
		tx.ops[idx] = op
		return
	}
	tx.staged[op.Map][op.Key] = len(tx.ops)
	tx.ops = append(tx.ops, op)
}

// Transact runs fn and commits its staged writes as one atomic change with
// one notification. When fn returns an error nothing is applied.
func (s *Store) Transact(origin any, fn func(tx *Txn) error) error {
	tx := &Txn{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx.ops, origin, kindNormal)
	return nil
}

func (s *Store) commit(ops []stagedOp, origin any, kind txnKind) {
	if len(ops) == 0 {
		return
	}

	s.mu.Lock()
	events := make(map[string]*Event)
	var (
		changed []wireEntry
		prior   []undoRecord
	)
	for _, op := range ops {
		m, ok := s.maps[op.Map]
		if !ok {
			m = make(map[string]entry)
			s.maps[op.Map] = m
		}
		prev, existed := m[op.Key]
		wasLive := existed && prev.live()
		if op.Deleted && !wasLive {
			continue
		}

		s.clock++
		next := entry{Value: op.Value, Deleted: op.Deleted, Clock: s.clock, Client: s.clientID}
		m[op.Key] = next
		changed = append(changed, wireEntry{Map: op.Map, Key: op.Key, entry: next})
		prior = append(prior, undoRecord{Map: op.Map, Key: op.Key, Value: prev.Value, Live: wasLive})

		ev := events[op.Map]
		if ev == nil {
			ev = &Event{Map: op.Map, Keys: make(map[string]Change), Origin: origin, Local: true}
			events[op.Map] = ev
		}
		ev.Keys[op.Key] = changeFor(wasLive, op.Deleted, prev.Value)
	}
	if len(changed) > 0 {
		s.undo.capture(kind, origin, prior)
	}
	epoch := s.epoch
	s.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	s.enqueue(notification{
		events: sortedEvents(events),
		update: encodeEntries(changed),
		origin: origin,
		epoch:  epoch,
	})
}

func changeFor(wasLive, deleted bool, old json.RawMessage) Change {
	switch {
	case deleted:
		return Change{Action: ActionDelete, OldValue: old}
	case wasLive:
		return Change{Action: ActionUpdate, OldValue: old}
	default:
		return Change{Action: ActionAdd}
	}
}

// ApplyUpdate merges an encoded update produced by Encode or by another
// replica's update stream. origin is passed to observers and update
// subscribers so a channel can skip its own updates.
func (s *Store) ApplyUpdate(update []byte, origin any) error {
	entries, err := decodeEntries(update)
	if err != nil {
		return err
	}

	s.mu.Lock()
	events := make(map[string]*Event)
	var applied []wireEntry
	for _, incoming := range entries {
		if incoming.Clock > s.clock {
			s.clock = incoming.Clock
		}
		m, ok := s.maps[incoming.Map]
		if !ok {
			m = make(map[string]entry)
			s.maps[incoming.Map] = m
		}
		prev, existed := m[incoming.Key]
		if existed && !incoming.newerThan(prev) {
			continue
		}
		m[incoming.Key] = incoming.entry
		applied = append(applied, incoming)

		wasLive := existed && prev.live()
		if !wasLive && incoming.Deleted {
			continue
		}
		ev := events[incoming.Map]
		if ev == nil {
			ev = &Event{Map: incoming.Map, Keys: make(map[string]Change), Origin: origin}
			events[incoming.Map] = ev
		}
		ev.Keys[incoming.Key] = changeFor(wasLive, incoming.Deleted, prev.Value)
	}
	epoch := s.epoch
	s.mu.Unlock()

	if len(applied) == 0 {
		return nil
	}
	s.enqueue(notification{
		events: sortedEvents(events),
		update: encodeEntries(applied),
		origin: origin,
		epoch:  epoch,
	})
	return nil
}

// Encode returns the complete state of the store, tombstones included, as
// one update.
func (s *Store) Encode() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []wireEntry
	for name, m := range s.maps {
		for key, item := range m {
			all = append(all, wireEntry{Map: name, Key: key, entry: item})
		}
	}
	return encodeEntries(all)
}

// Reset replaces the whole state with snapshot (empty when nil) and starts a
// new epoch: update subscriptions made before the reset stop receiving
// updates, the undo history is cleared and observers get a Reset event for
// every map. A snapshot that cannot be decoded leaves the store untouched.
func (s *Store) Reset(snapshot []byte) error {
	var entries []wireEntry
	if len(snapshot) > 0 {
		decoded, err := decodeEntries(snapshot)
		if err != nil {
			return err
		}
		entries = decoded
	}

	s.mu.Lock()
	old := s.maps
	s.maps = newMaps()
	s.clock = 0
	for _, item := range entries {
		m, ok := s.maps[item.Map]
		if !ok {
			m = make(map[string]entry)
			s.maps[item.Map] = m
		}
		if prev, exists := m[item.Key]; exists && !item.newerThan(prev) {
			continue
		}
		m[item.Key] = item.entry
		if item.Clock > s.clock {
			s.clock = item.Clock
		}
	}
	s.epoch++
	epoch := s.epoch
	s.undo.clear()

	events := make(map[string]*Event)
	for _, name := range []string{MapBoard, MapShapes, MapBindings} {
		ev := &Event{Map: name, Keys: make(map[string]Change), Origin: nil, Local: true, Reset: true}
		for key, item := range old[name] {
			if item.live() {
				ev.Keys[key] = Change{Action: ActionDelete, OldValue: item.Value}
			}
		}
		for key, item := range s.maps[name] {
			if !item.live() {
				continue
			}
			if prev, ok := ev.Keys[key]; ok {
				ev.Keys[key] = Change{Action: ActionUpdate, OldValue: prev.OldValue}
			} else {
				ev.Keys[key] = Change{Action: ActionAdd}
			}
		}
		events[name] = ev
	}
	s.mu.Unlock()

	s.enqueue(notification{events: sortedEvents(events), epoch: epoch})
	return nil
}

// Observe calls fn after every transaction that changed mapName.
func (s *Store) Observe(mapName string, fn func(Event)) (unobserve func()) {
	return s.addObserver([]string{mapName}, func(events []Event) {
		for _, ev := range events {
			fn(ev)
		}
	})
}

// ObserveDeep calls fn once per transaction with the events of every listed
// map that changed, including changes nested inside entry values.
func (s *Store) ObserveDeep(fn func([]Event), maps ...string) (unobserve func()) {
	return s.addObserver(maps, fn)
}

func (s *Store) addObserver(maps []string, fn func([]Event)) func() {
	set := make(map[string]bool, len(maps))
	for _, name := range maps {
		set[name] = true
	}
	s.subMu.Lock()
	s.nextSubID++
	obs := &observer{id: s.nextSubID, maps: set, fn: fn}
	s.observers = append(s.observers, obs)
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			for i, candidate := range s.observers {
				if candidate.id == obs.id {
					s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// OnUpdate subscribes to the encoded update stream of the current epoch.
func (s *Store) OnUpdate(fn func(update []byte, origin any)) (unsubscribe func()) {
	epoch := s.Epoch()
	s.subMu.Lock()
	s.nextSubID++
	sub := &updateSub{id: s.nextSubID, epoch: epoch, fn: fn}
	s.updates = append(s.updates, sub)
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			for i, candidate := range s.updates {
				if candidate.id == sub.id {
					s.updates = append(s.updates[:i:i], s.updates[i+1:]...)
					return
				}
			}
		})
	}
}

// ObserverCount reports the number of attached observers and update
// subscriptions.
func (s *Store) ObserverCount() (observers, updates int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.observers), len(s.updates)
}

func (s *Store) enqueue(n notification) {
	s.queueMu.Lock()
	s.queue = append(s.queue, n)
	if s.dispatching {
		// The active dispatcher delivers it after the current notification.
		s.queueMu.Unlock()
		return
	}
	s.dispatching = true
	s.queueMu.Unlock()

	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.dispatching = false
			s.queueMu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.queueMu.Unlock()

		s.deliver(next)
	}
}

func (s *Store) deliver(n notification) {
	s.subMu.Lock()
	observers := append([]*observer(nil), s.observers...)
	updates := append([]*updateSub(nil), s.updates...)
	s.subMu.Unlock()

	for _, obs := range observers {
		var matched []Event
		for _, ev := range n.events {
			if obs.maps[ev.Map] {
				matched = append(matched, ev)
			}
		}
		if len(matched) == 0 {
			continue
		}
		s.safeCall(func() { obs.fn(matched) })
	}

	if n.update == nil {
		return
	}
	for _, sub := range updates {
		if sub.epoch != n.epoch {
			continue
		}
		s.safeCall(func() { sub.fn(n.update, n.origin) })
	}
}

func (s *Store) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("replica: observer panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func sortedEvents(events map[string]*Event) []Event {
	names := make([]string, 0, len(events))
	for name := range events {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Event, 0, len(names))
	for _, name := range names {
		out = append(out, *events[name])
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
