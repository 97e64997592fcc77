// Package board defines the board document model on top of the replica and
// runs the document lifecycle: create, load, duplicate and serialize.
package board

import (
	"encoding/json"
	"time"

	"fullscreen/board/internal/replica"
)

type ID string

// Metadata keys in the replica's board map.
const (
	KeyID        = "id"
	KeyCreatedBy = "createdBy"
	KeyCreatedOn = "createdOn"
)

type Meta struct {
	ID        ID        `json:"id"`
	CreatedBy string    `json:"createdBy"`
	CreatedOn time.Time `json:"createdOn"`
}

// Record is a shape or binding as the drawing widget encodes it.
type Record = json.RawMessage

type Contents struct {
	Shapes   map[string]Record `json:"shapes"`
	Bindings map[string]Record `json:"bindings"`
}

// Delta maps record ids to new values. A nil value deletes the record.
type Delta map[string]Record

type Status int

const (
	// StatusNotFound means the replica does not (yet) hold the requested
	// board. It is also the state of a board whose content has not arrived.
	StatusNotFound Status = iota
	StatusOK
)

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "not_found"
}

// ReadContents copies the shapes and bindings out of st.
func ReadContents(st *replica.Store) Contents {
	return Contents{
		Shapes:   st.Entries(replica.MapShapes),
		Bindings: st.Entries(replica.MapBindings),
	}
}

// ReadMeta returns whatever metadata st holds and the names of the required
// fields that are missing or unreadable.
func ReadMeta(st *replica.Store) (Meta, []string) {
	var (
		meta    Meta
		missing []string
	)
	if id, ok := st.GetString(replica.MapBoard, KeyID); ok && id != "" {
		meta.ID = ID(id)
	} else {
		missing = append(missing, KeyID)
	}
	if by, ok := st.GetString(replica.MapBoard, KeyCreatedBy); ok && by != "" {
		meta.CreatedBy = by
	} else {
		missing = append(missing, KeyCreatedBy)
	}
	if on, ok := st.GetString(replica.MapBoard, KeyCreatedOn); ok {
		if parsed, err := parseCreatedOn(on); err == nil {
			meta.CreatedOn = parsed
		} else {
			missing = append(missing, KeyCreatedOn)
		}
	} else {
		missing = append(missing, KeyCreatedOn)
	}
	return meta, missing
}

// parseCreatedOn accepts RFC 3339 and the HTTP date format older boards
// were written with.
func parseCreatedOn(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC1123, value)
}

// StatusOf is OK when the replica holds the board that was asked for.
func StatusOf(st *replica.Store, want ID) Status {
	if id, ok := st.GetString(replica.MapBoard, KeyID); ok && want != "" && ID(id) == want {
		return StatusOK
	}
	return StatusNotFound
}
