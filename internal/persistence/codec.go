package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/petrijr/durex/pkg/api"
)

func init() {
	// Container types commonly carried in Input/Result.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]map[string]any{})
	gob.Register([]string{})
	gob.Register([]int{})
	gob.Register(map[string]int{})
	gob.Register(map[string]string{})
}

// EncodeEvent serializes an event with encoding/gob. Application values in
// Input/Result must be gob-encodable and, if they are not builtin types,
// registered with gob.Register.
func EncodeEvent(ev api.HistoryEvent) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&ev); err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return buf.Bytes(), nil
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(data []byte) (api.HistoryEvent, error) {
	var ev api.HistoryEvent
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ev); err != nil {
		return api.HistoryEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
