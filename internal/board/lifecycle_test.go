package board

import (
	"errors"
	"testing"
	"time"

	"fullscreen/board/internal/identity"
	"fullscreen/board/internal/replica"
	"fullscreen/board/internal/util"
)

type fakeParticipant struct{ id string }

func (f fakeParticipant) Participant() identity.Participant {
	return identity.Participant{ID: f.id}
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *replica.Store) {
	t.Helper()
	st := replica.NewStore()
	m := NewManager(st, fakeParticipant{id: "user-1"}, WithClock(func() time.Time { return fixedNow }))
	return m, st
}

func addShape(t *testing.T, st *replica.Store, key, value string) {
	t.Helper()
	if err := st.Transact(replica.LocalOrigin, func(tx *replica.Txn) error {
		return tx.Set(replica.MapShapes, key, map[string]string{"id": key, "label": value})
	}); err != nil {
		t.Fatalf("Transact() error = %v", err)
	}
}

func TestCreateStampsMetadata(t *testing.T) {
	m, st := newTestManager(t)
	addShape(t, st, "old", "x")

	id, err := m.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !util.ValidUUID(string(id)) {
		t.Fatalf("Create() id = %q, want UUID", id)
	}
	if StatusOf(st, id) != StatusOK {
		t.Fatal("status after Create() is not OK")
	}
	meta, ok := m.Meta()
	if !ok {
		t.Fatal("Meta() incomplete after Create()")
	}
	if meta.ID != id || meta.CreatedBy != "user-1" || !meta.CreatedOn.Equal(fixedNow) {
		t.Fatalf("Meta() = %+v", meta)
	}
	if len(ReadContents(st).Shapes) != 0 {
		t.Fatal("Create() kept shapes of the previous board")
	}
}

func TestUndoAfterCreateKeepsMetadata(t *testing.T) {
	m, st := newTestManager(t)
	id, err := m.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if st.Undo() {
		t.Fatal("Undo() reverted metadata")
	}
	addShape(t, st, "s1", "a")
	st.Undo()
	st.Undo()
	if meta, _ := m.Meta(); meta.ID != id {
		t.Fatalf("meta.id after undo = %q, want %q", meta.ID, id)
	}
}

func TestSerializeLoadRoundTrip(t *testing.T) {
	m, st := newTestManager(t)
	id, _ := m.Create()
	addShape(t, st, "s1", "hello")
	data, err := m.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	other, otherStore := newTestManager(t)
	got, err := other.Load(data, "board.fullscreen")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != id {
		t.Fatalf("Load() id = %q, want %q", got, id)
	}
	if string(ReadContents(otherStore).Shapes["s1"]) != string(ReadContents(st).Shapes["s1"]) {
		t.Fatal("shapes differ after round trip")
	}
	if meta, _ := other.Meta(); meta.CreatedBy != "user-1" {
		t.Fatalf("CreatedBy = %q", meta.CreatedBy)
	}
}

func TestLoadCorruptSnapshotCreatesFreshBoard(t *testing.T) {
	m, st := newTestManager(t)
	id, err := m.Load([]byte("definitely not a board"), "junk.fullscreen")

	var recovered *RecoveredError
	if !errors.As(err, &recovered) || !errors.Is(err, ErrCorruptSnapshot) {
		t.Fatalf("Load() error = %v, want RecoveredError(ErrCorruptSnapshot)", err)
	}
	if recovered.Source != "junk.fullscreen" {
		t.Fatalf("Source = %q", recovered.Source)
	}
	if !util.ValidUUID(string(id)) || StatusOf(st, id) != StatusOK {
		t.Fatalf("Load() did not create a fresh board, id = %q", id)
	}
}

func TestLoadOutdatedDocumentCreatesFreshBoard(t *testing.T) {
	legacy := replica.NewStore()
	addShape(t, legacy, "s1", "orphan")

	m, st := newTestManager(t)
	id, err := m.Load(legacy.Encode(), "")
	if !errors.Is(err, ErrOutdatedDocument) {
		t.Fatalf("Load() error = %v, want ErrOutdatedDocument", err)
	}
	var recovered *RecoveredError
	errors.As(err, &recovered)
	if len(recovered.Missing) != 3 {
		t.Fatalf("Missing = %v, want all three fields", recovered.Missing)
	}
	if StatusOf(st, id) != StatusOK {
		t.Fatal("fresh board not active")
	}
	if len(ReadContents(st).Shapes) != 0 {
		t.Fatal("outdated contents kept")
	}
}

func TestLoadAcceptsLegacyDateFormat(t *testing.T) {
	legacy := replica.NewStore()
	_ = legacy.Transact(nil, func(tx *replica.Txn) error {
		_ = tx.Set(replica.MapBoard, KeyID, "b-legacy")
		_ = tx.Set(replica.MapBoard, KeyCreatedBy, "someone")
		return tx.Set(replica.MapBoard, KeyCreatedOn, "Fri, 01 Mar 2024 12:00:00 GMT")
	})

	m, _ := newTestManager(t)
	id, err := m.Load(legacy.Encode(), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	meta, _ := m.Meta()
	if id != "b-legacy" || !meta.CreatedOn.Equal(fixedNow) {
		t.Fatalf("Load() = %q, meta %+v", id, meta)
	}
}

func TestLoadRunsHooks(t *testing.T) {
	m, _ := newTestManager(t)
	source, _ := newTestManager(t)
	source.Create()
	data, _ := source.Serialize()

	var detached, refreshed int
	var loadingDuringRefresh bool
	m.SetHooks(Hooks{
		Detach: func() { detached++ },
		Refresh: func() {
			refreshed++
			loadingDuringRefresh = m.IsLoading()
		},
	})
	if _, err := m.Load(data, ""); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if detached != 1 || refreshed != 1 {
		t.Fatalf("detached = %d, refreshed = %d, want 1, 1", detached, refreshed)
	}
	if !loadingDuringRefresh || m.IsLoading() {
		t.Fatal("IsLoading() not true during load and false after")
	}
}

func TestDuplicateForksInPlace(t *testing.T) {
	m, st := newTestManager(t)
	original, _ := m.Create()
	addShape(t, st, "s1", "keep")

	var detached bool
	m.SetHooks(Hooks{Detach: func() { detached = true }})
	m.participant = fakeParticipant{id: "user-2"}

	dup, err := m.Duplicate()
	if err != nil {
		t.Fatalf("Duplicate() error = %v", err)
	}
	if !detached {
		t.Fatal("Duplicate() did not detach channels")
	}
	if dup == original || StatusOf(st, dup) != StatusOK {
		t.Fatalf("Duplicate() id = %q (original %q)", dup, original)
	}
	if _, ok := ReadContents(st).Shapes["s1"]; !ok {
		t.Fatal("Duplicate() dropped contents")
	}
	if meta, _ := m.Meta(); meta.CreatedBy != "user-2" {
		t.Fatalf("CreatedBy = %q, want user-2", meta.CreatedBy)
	}
	// Undo only reverts the shape, never the new id.
	st.Undo()
	if meta, _ := m.Meta(); meta.ID != dup {
		t.Fatal("undo reverted the duplicate's id")
	}
}

func TestSerializeWithoutBoard(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Serialize(); !errors.Is(err, ErrNoBoard) {
		t.Fatalf("Serialize() error = %v, want ErrNoBoard", err)
	}
}

func TestStatusString(t *testing.T) {
	if StatusOK.String() != "ok" || StatusNotFound.String() != "not_found" {
		t.Fatal("unexpected Status strings")
	}
}
