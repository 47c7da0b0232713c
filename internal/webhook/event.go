// Package webhook delivers notifications to other oracles and ingests theirs.
package webhook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
)

// Event is the envelope exchanged between oracles in both directions.
type Event struct {
	EventType     domain.EventType `json:"event_type"`
	ChainID       int64            `json:"chain_id"`
	EscrowAddress string           `json:"escrow_address"`
	EventData     json.RawMessage  `json:"event_data,omitempty"`
}

// NewOutgoing builds a pending webhook row for event addressed to targetURL.
func NewOutgoing(event Event, targetURL string) (*domain.WebhookOutgoing, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}
	hash, err := ContentHash(payload, targetURL)
	if err != nil {
		return nil, err
	}
	return &domain.WebhookOutgoing{
		Payload:     payload,
		ContentHash: hash,
		TargetURL:   targetURL,
		Status:      domain.OutgoingPending,
	}, nil
}

// ContentHash identifies one logical notification. The payload is re-encoded with
// sorted keys and untouched number literals first, so payloads that differ only in key
// order or whitespace collapse to the same hash.
func ContentHash(payload []byte, targetURL string) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("decode webhook payload: %w", err)
	}

	canonical, err := json.Marshal(map[string]any{"payload": doc, "url": targetURL})
	if err != nil {
		return "", fmt.Errorf("canonicalize webhook payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Reason extracts event_data.reason when present.
func (e Event) Reason() string {
	if len(e.EventData) == 0 {
		return ""
	}
	var data struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(e.EventData, &data); err != nil {
		return ""
	}
	return data.Reason
}

// ReasonData encodes {"reason": reason} for event_data.
func ReasonData(reason string) json.RawMessage {
	b, _ := json.Marshal(struct {
		Reason string `json:"reason"`
	}{reason})
	return b
}
