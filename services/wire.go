package services

import (
	"encoding/json"
	"fmt"

	"workbench/models"
)

// EncodeWireEvent renders one event as a single JSON line, newline included.
// The encoder holds no state; event order is whatever the caller emits.
func EncodeWireEvent(event models.WireEvent) ([]byte, error) {
	if event.Type == "" {
		return nil, fmt.Errorf("wire event has no type")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode wire event: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeWireEvent parses one line produced by EncodeWireEvent.
func DecodeWireEvent(line []byte) (models.WireEvent, error) {
	var event models.WireEvent
	if err := json.Unmarshal(line, &event); err != nil {
		return models.WireEvent{}, fmt.Errorf("decode wire event: %w", err)
	}
	if event.Type == "" {
		return models.WireEvent{}, fmt.Errorf("wire event has no type")
	}
	return event, nil
}
