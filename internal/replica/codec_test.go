package replica

import (
	"encoding/json"
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestDecodeEntriesValidation(t *testing.T) {
	versionOnly := protowire.AppendVarint(protowire.AppendTag(nil, fieldVersion, protowire.VarintType), updateVersion)

	noValue := encodeEntries([]wireEntry{{Map: MapShapes, Key: "a", entry: entry{Clock: 1, Client: 1}}})
	wrongVersion := protowire.AppendVarint(protowire.AppendTag(nil, fieldVersion, protowire.VarintType), 9)

	tests := []struct {
		name    string
		input   []byte
		wantErr bool
	}{
		{"empty document", versionOnly, false},
		{"missing version", nil, true},
		{"entry without value", noValue, true},
		{"unknown version", wrongVersion, true},
		{"truncated", []byte{0x12, 0x05, 0x01}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeEntries(tt.input)
			if tt.wantErr && !errors.Is(err, ErrMalformedUpdate) {
				t.Fatalf("decodeEntries() error = %v, want ErrMalformedUpdate", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("decodeEntries() error = %v", err)
			}
		})
	}
}

func TestEncodeEntriesIsDeterministic(t *testing.T) {
	items := []wireEntry{
		{Map: MapShapes, Key: "b", entry: entry{Value: json.RawMessage("1"), Clock: 2, Client: 1}},
		{Map: MapBoard, Key: "id", entry: entry{Value: json.RawMessage(`"x"`), Clock: 1, Client: 1}},
		{Map: MapShapes, Key: "a", entry: entry{Deleted: true, Clock: 3, Client: 1}},
	}
	first := encodeEntries(append([]wireEntry(nil), items...))
	second := encodeEntries([]wireEntry{items[2], items[0], items[1]})
	if string(first) != string(second) {
		t.Fatal("encoding depends on input order")
	}

	decoded, err := decodeEntries(first)
	if err != nil {
		t.Fatalf("decodeEntries() error = %v", err)
	}
	if len(decoded) != 3 || decoded[0].Map != MapBoard || !decoded[1].Deleted {
		t.Fatalf("decoded = %+v", decoded)
	}
}
