package tokenstore

import (
	"encoding/json"
	"fmt"
)

// Read is the outcome of a typed cache read.
type Read int

const (
	Miss Read = iota
	Hit
	Corrupt
)

func (r Read) String() string {
	switch r {
	case Hit:
		return "hit"
	case Corrupt:
		return "corrupt"
	default:
		return "miss"
	}
}

// ReadJSON decodes the value at key into v. A value that does not decode is
// removed from the store and reported as Corrupt; v is left untouched.
func ReadJSON(s Store, key string, v any) Read {
	raw, ok := s.Get(key)
	if !ok || raw == "" {
		return Miss
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		_ = s.Remove(key)
		return Corrupt
	}
	return Hit
}

// WriteJSON encodes v and stores it at key.
func WriteJSON(s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Set(key, string(data))
}
