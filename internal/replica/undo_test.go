package replica

import (
	"testing"
	"time"
)

func TestUndoRedo(t *testing.T) {
	s := NewStore()
	um := s.UndoManager()

	setShape(t, s, "a", "v1")
	um.StopCapturing()
	setShape(t, s, "a", "v2")

	if !s.Undo() {
		t.Fatal("Undo() = false")
	}
	if got, _ := s.GetString(MapShapes, "a"); got != "v1" {
		t.Fatalf("after undo a = %q, want v1", got)
	}
	if !s.Undo() {
		t.Fatal("second Undo() = false")
	}
	if _, ok := s.Get(MapShapes, "a"); ok {
		t.Fatal("undo of insert left key behind")
	}
	if s.Undo() {
		t.Fatal("Undo() on empty stack = true")
	}

	if !s.Redo() || !s.Redo() {
		t.Fatal("Redo() = false")
	}
	if got, _ := s.GetString(MapShapes, "a"); got != "v2" {
		t.Fatalf("after redo a = %q, want v2", got)
	}
	if um.CanRedo() {
		t.Fatal("CanRedo() after draining redo stack")
	}
}

func TestUndoMergesWithinCaptureTimeout(t *testing.T) {
	s := NewStore(WithCaptureTimeout(time.Hour))
	setShape(t, s, "a", 1)
	setShape(t, s, "b", 2)

	s.Undo()
	if keys := s.Keys(MapShapes); len(keys) != 0 {
		t.Fatalf("Keys() = %v, want merged step fully undone", keys)
	}
}

func TestUndoIgnoresRemoteAndMetadata(t *testing.T) {
	s := NewStore()
	peer := NewStore()
	var update []byte
	peer.OnUpdate(func(u []byte, _ any) { update = u })
	setShape(t, peer, "remote", 1)

	if err := s.ApplyUpdate(update, "net"); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	if err := s.Transact(LocalOrigin, func(tx *Txn) error {
		return tx.Set(MapBoard, "id", "x")
	}); err != nil {
		t.Fatalf("Transact() error = %v", err)
	}
	if s.UndoManager().CanUndo() {
		t.Fatal("remote or metadata change was captured")
	}
}

func TestNewLocalEditClearsRedo(t *testing.T) {
	s := NewStore()
	setShape(t, s, "a", 1)
	s.Undo()
	setShape(t, s, "b", 1)
	if s.UndoManager().CanRedo() {
		t.Fatal("redo stack survived a new local edit")
	}
}

func TestResetClearsHistory(t *testing.T) {
	s := NewStore()
	setShape(t, s, "a", 1)
	if err := s.Reset(nil); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if s.Undo() {
		t.Fatal("Undo() after Reset() = true")
	}
}
