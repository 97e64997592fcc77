package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	first := NewID("")
	second := NewID("")
	if first == second {
		t.Fatalf("NewID() returned duplicate %q", first)
	}
	if !ValidUUID(first) {
		t.Fatalf("NewID() = %q, want a UUID", first)
	}

	prefixed := NewID("conn")
	if !strings.HasPrefix(prefixed, "conn_") {
		t.Fatalf("NewID(conn) = %q, want conn_ prefix", prefixed)
	}
	if !ValidUUID(strings.TrimPrefix(prefixed, "conn_")) {
		t.Fatalf("NewID(conn) suffix is not a UUID: %q", prefixed)
	}
}

func TestValidUUID(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{value: "", want: false},
		{value: "   ", want: false},
		{value: "not-a-uuid", want: false},
		{value: "6b0e4b1e-3c55-4a3f-9b61-4a1f0f6f9d10", want: true},
	}
	for _, tc := range cases {
		if got := ValidUUID(tc.value); got != tc.want {
			t.Fatalf("ValidUUID(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}
