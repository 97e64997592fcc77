package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"fullscreen/board/internal/replica"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func setShape(t *testing.T, st *replica.Store, key string, value any) {
	t.Helper()
	if err := st.Transact(replica.LocalOrigin, func(tx *replica.Txn) error {
		return tx.Set(replica.MapShapes, key, value)
	}); err != nil {
		t.Fatalf("Transact() error = %v", err)
	}
}

func hasShape(st *replica.Store, key string) func() bool {
	return func() bool {
		_, ok := st.Get(replica.MapShapes, key)
		return ok
	}
}

func TestRoomName(t *testing.T) {
	if got := RoomName("abc"); got != "yjs-fullscreen-abc" {
		t.Fatalf("RoomName() = %q", got)
	}
	if RoomName("abc") != RoomName("abc") {
		t.Fatal("RoomName() is not deterministic")
	}
}

type fakeNetwork struct {
	*Offline
	connectErr  error
	disconnects int
}

func (f *fakeNetwork) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	return f.Offline.Connect(ctx)
}

func (f *fakeNetwork) Disconnect() {
	f.disconnects++
	f.Offline.Disconnect()
}

func TestProvidersOpenToleratesFailures(t *testing.T) {
	var network *fakeNetwork
	providers := Providers{
		Network: func(room string, st *replica.Store) (Network, error) {
			network = &fakeNetwork{Offline: NewOffline(room, st), connectErr: errors.New("relay down")}
			return network, nil
		},
		Persistence: func(ctx context.Context, room string, st *replica.Store) (Persistence, error) {
			return nil, ErrStorageUnavailable
		},
	}

	set, err := providers.Open(context.Background(), "b1", replica.NewStore())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if set.Room != "yjs-fullscreen-b1" {
		t.Fatalf("Room = %q", set.Room)
	}
	if set.Persistence != nil {
		t.Fatal("Persistence should be nil when storage is unavailable")
	}
	if set.Network == nil || set.Network.Connected() {
		t.Fatal("Network should exist but stay disconnected")
	}

	set.Close()
	set.Close()
	if network.disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", network.disconnects)
	}
}

func TestProvidersOpenCreatesFreshChannels(t *testing.T) {
	providers := Providers{}
	st := replica.NewStore()
	first, err := providers.Open(context.Background(), "b1", st)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	second, err := providers.Open(context.Background(), "b1", st)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if first.Network == second.Network {
		t.Fatal("Open() reused a network channel")
	}
	first.Close()
	if !second.Network.Connected() {
		t.Fatal("closing one set disconnected the other")
	}
	second.Close()
}

func TestProvidersOpenRejectsEmptyID(t *testing.T) {
	if _, err := (Providers{}).Open(context.Background(), " ", replica.NewStore()); !errors.Is(err, ErrInvalidRoom) {
		t.Fatalf("Open() error = %v, want ErrInvalidRoom", err)
	}
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"update", `{"kind":"update","update":"CAE="}`, false},
		{"sync", `{"kind":"sync","from":"x"}`, false},
		{"update without payload", `{"kind":"update"}`, true},
		{"awareness without payload", `{"kind":"awareness"}`, true},
		{"unknown kind", `{"kind":"hello"}`, true},
		{"not json", `nope`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
