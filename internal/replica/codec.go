package replica

import (
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedUpdate is returned when an update cannot be decoded.
var ErrMalformedUpdate = errors.New("malformed update")

const updateVersion = 1

// Update field numbers.
const (
	fieldVersion protowire.Number = 1
	fieldEntry   protowire.Number = 2
)

// Entry field numbers.
const (
	fieldMap     protowire.Number = 1
	fieldKey     protowire.Number = 2
	fieldValue   protowire.Number = 3
	fieldDeleted protowire.Number = 4
	fieldClock   protowire.Number = 5
	fieldClient  protowire.Number = 6
)

type wireEntry struct {
	Map string
	Key string
	entry
}

func encodeEntries(entries []wireEntry) []byte {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Map != entries[j].Map {
			return entries[i].Map < entries[j].Map
		}
		return entries[i].Key < entries[j].Key
	})

	out := protowire.AppendTag(nil, fieldVersion, protowire.VarintType)
	out = protowire.AppendVarint(out, updateVersion)
	for _, item := range entries {
		var body []byte
		body = protowire.AppendTag(body, fieldMap, protowire.BytesType)
		body = protowire.AppendString(body, item.Map)
		body = protowire.AppendTag(body, fieldKey, protowire.BytesType)
		body = protowire.AppendString(body, item.Key)
		if len(item.Value) > 0 {
			body = protowire.AppendTag(body, fieldValue, protowire.BytesType)
			body = protowire.AppendBytes(body, item.Value)
		}
		if item.Deleted {
			body = protowire.AppendTag(body, fieldDeleted, protowire.VarintType)
			body = protowire.AppendVarint(body, 1)
		}
		body = protowire.AppendTag(body, fieldClock, protowire.VarintType)
		body = protowire.AppendVarint(body, item.Clock)
		body = protowire.AppendTag(body, fieldClient, protowire.VarintType)
		body = protowire.AppendVarint(body, item.Client)

		out = protowire.AppendTag(out, fieldEntry, protowire.BytesType)
		out = protowire.AppendBytes(out, body)
	}
	return out
}

func decodeEntries(update []byte) ([]wireEntry, error) {
	var (
		entries []wireEntry
		version uint64
	)
	for len(update) > 0 {
		num, typ, n := protowire.ConsumeTag(update)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
		}
		update = update[n:]

		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(update)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
			}
			version = v
			update = update[n:]
		case num == fieldEntry && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(update)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
			}
			item, err := decodeEntry(body)
			if err != nil {
				return nil, err
			}
			entries = append(entries, item)
			update = update[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, update)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
			}
			update = update[n:]
		}
	}
	if version != updateVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, version)
	}
	return entries, nil
}

func decodeEntry(body []byte) (wireEntry, error) {
	var item wireEntry
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return wireEntry{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
		}
		body = body[n:]

		switch typ {
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return wireEntry{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
			}
			switch num {
			case fieldMap:
				item.Map = string(raw)
			case fieldKey:
				item.Key = string(raw)
			case fieldValue:
				item.Value = append([]byte(nil), raw...)
			}
			body = body[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return wireEntry{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
			}
			switch num {
			case fieldDeleted:
				item.Deleted = v != 0
			case fieldClock:
				item.Clock = v
			case fieldClient:
				item.Client = v
			}
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return wireEntry{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
			}
			body = body[n:]
		}
	}
	if item.Map == "" || item.Key == "" || item.Clock == 0 {
		return wireEntry{}, fmt.Errorf("%w: incomplete entry", ErrMalformedUpdate)
	}
	if !item.Deleted && len(item.Value) == 0 {
		return wireEntry{}, fmt.Errorf("%w: entry %s/%s has no value", ErrMalformedUpdate, item.Map, item.Key)
	}
	return item, nil
}
