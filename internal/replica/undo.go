package replica

import (
	"encoding/json"
	"sync"
	"time"
)

const defaultCaptureTimeout = 500 * time.Millisecond

type undoRecord struct {
	Map   string
	Key   string
	Value json.RawMessage
	Live  bool
}

type stackItem struct {
	records []undoRecord
	index   map[string]bool
}

func newStackItem() *stackItem {
	return &stackItem{index: make(map[string]bool)}
}

// add keeps the earliest recorded state of every key.
func (it *stackItem) add(records []undoRecord) {
	for _, rec := range records {
		id := rec.Map + "\x00" + rec.Key
		if it.index[id] {
			continue
		}
		it.index[id] = true
		it.records = append(it.records, rec)
	}
}

// UndoManager reverts local transactions on a fixed set of maps. Edits made
// within the capture timeout of each other are merged into one step unless
// StopCapturing is called in between. Transactions from other origins
// (remote updates, metadata writes) are never captured.
type UndoManager struct {
	store          *Store
	scope          map[string]bool
	captureTimeout time.Duration
	now            func() time.Time

	mu         sync.Mutex
	undoStack  []*stackItem
	redoStack  []*stackItem
	lastChange time.Time
}

func newUndoManager(store *Store, scope []string) *UndoManager {
	set := make(map[string]bool, len(scope))
	for _, name := range scope {
		set[name] = true
	}
	return &UndoManager{
		store:          store,
		scope:          set,
		captureTimeout: defaultCaptureTimeout,
		now:            time.Now,
	}
}

func tracked(origin any) bool {
	return origin == nil || origin == LocalOrigin
}

// capture runs under the store lock, in commit order.
func (u *UndoManager) capture(kind txnKind, origin any, prior []undoRecord) {
	var scoped []undoRecord
	for _, rec := range prior {
		if u.scope[rec.Map] {
			scoped = append(scoped, rec)
		}
	}
	if len(scoped) == 0 {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch kind {
	case kindUndo:
		item := newStackItem()
		item.add(scoped)
		u.redoStack = append(u.redoStack, item)
	case kindRedo:
		item := newStackItem()
		item.add(scoped)
		u.undoStack = append(u.undoStack, item)
	default:
		if !tracked(origin) {
			return
		}
		u.redoStack = nil
		now := u.now()
		if len(u.undoStack) > 0 && !u.lastChange.IsZero() && now.Sub(u.lastChange) < u.captureTimeout {
			u.undoStack[len(u.undoStack)-1].add(scoped)
		} else {
			item := newStackItem()
			item.add(scoped)
			u.undoStack = append(u.undoStack, item)
		}
		u.lastChange = now
	}
}

// StopCapturing makes the next captured transaction start a new undo step.
func (u *UndoManager) StopCapturing() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastChange = time.Time{}
}

// Undo reverts the most recent step. It reports whether anything was undone.
func (u *UndoManager) Undo() bool {
	return u.pop(&u.undoStack, kindUndo)
}

// Redo re-applies the most recently undone step.
func (u *UndoManager) Redo() bool {
	return u.pop(&u.redoStack, kindRedo)
}

func (u *UndoManager) pop(stack *[]*stackItem, kind txnKind) bool {
	u.mu.Lock()
	if len(*stack) == 0 {
		u.mu.Unlock()
		return false
	}
	item := (*stack)[len(*stack)-1]
	*stack = (*stack)[:len(*stack)-1]
	u.lastChange = time.Time{}
	u.mu.Unlock()

	ops := make([]stagedOp, 0, len(item.records))
	for _, rec := range item.records {
		if rec.Live {
			ops = append(ops, stagedOp{Map: rec.Map, Key: rec.Key, Value: cloneRaw(rec.Value)})
		} else {
			ops = append(ops, stagedOp{Map: rec.Map, Key: rec.Key, Deleted: true})
		}
	}
	u.store.commit(ops, u, kind)
	return true
}

// CanUndo reports whether there is a step to undo.
func (u *UndoManager) CanUndo() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.undoStack) > 0
}

// CanRedo reports whether there is a step to redo.
func (u *UndoManager) CanRedo() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.redoStack) > 0
}

func (u *UndoManager) clear() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.undoStack = nil
	u.redoStack = nil
	u.lastChange = time.Time{}
}
