// Package sinks contains the concrete output sinks of the dataflow
// context: broker publish, WebSocket broadcast and cache write.
package sinks

import (
	"encoding/json"

	"github.com/fd1az/market-collector/business/dataflow/domain"
)

// encodeMessage serializes the full message with extra metadata merged
// over the message's own metadata. The message itself is not mutated.
func encodeMessage(msg *domain.MarketMessage, extra map[string]any) ([]byte, error) {
	metadata := make(map[string]any, len(msg.Metadata)+len(extra))
	for k, v := range msg.Metadata {
		metadata[k] = v
	}
	for k, v := range extra {
		metadata[k] = v
	}

	return json.Marshal(struct {
		Exchange   string             `json:"exchange"`
		Symbol     string             `json:"symbol"`
		Type       domain.MessageType `json:"type"`
		Timestamp  int64              `json:"timestamp"`
		ReceivedAt int64              `json:"received_at,omitempty"`
		Data       domain.Payload     `json:"data"`
		Metadata   map[string]any     `json:"metadata,omitempty"`
	}{
		Exchange:   msg.Exchange,
		Symbol:     msg.Symbol,
		Type:       msg.Type,
		Timestamp:  msg.Timestamp,
		ReceivedAt: msg.ReceivedAt,
		Data:       msg.Data,
		Metadata:   metadata,
	})
}

// metaString extracts a string value from write metadata.
func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}
