package board

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrOutdatedDocument = errors.New("outdated document without required metadata")
	ErrCorruptSnapshot  = errors.New("snapshot cannot be decoded")
	ErrInvalidBoardID   = errors.New("invalid board id")
	ErrNoBoard          = errors.New("no board loaded")
)

// RecoveredError reports that a load was abandoned and a fresh board was
// created in its place. The load still returns the new board's id.
type RecoveredError struct {
	Reason  error
	Source  string
	Missing []string
}

func (e *RecoveredError) Error() string {
	msg := "board: " + e.Reason.Error()
	if len(e.Missing) > 0 {
		msg += fmt.Sprintf(" (missing %s)", strings.Join(e.Missing, ", "))
	}
	if e.Source != "" {
		msg += " in " + e.Source
	}
	return msg + "; created a new board"
}

func (e *RecoveredError) Unwrap() error {
	return e.Reason
}
