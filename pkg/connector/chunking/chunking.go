// Copyright 2024-2026 Aiku AI

// Package chunking splits oversized event fields into a correlated sequence
// of bounded-size envelopes for the control plane.
//
// An event produces one root envelope followed by zero or more chunk
// envelopes. All of them share the same correlation id and parts count so a
// consumer can tell when every part has arrived and put the event back
// together.
package chunking

import (
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultMaxChunkSize is the largest slice, in characters, carried by one
// chunk envelope unless configured otherwise.
const DefaultMaxChunkSize = 250000

// TimestampLayout is the ISO-8601 layout used for the timeStamp field.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Envelope is one upstream-bound message unit.
type Envelope struct {
	TimeStamp     string         `json:"timeStamp"`
	MessageType   string         `json:"messageType"`
	CorrelationID string         `json:"source_msg_uid"`
	PartsCount    int            `json:"parts_count"`
	ChunkNum      int            `json:"chunk_num,omitempty"`
	ChunkCount    int            `json:"chunk_count,omitempty"`
	ChunkID       string         `json:"chunk_id,omitempty"`
	Data          map[string]any `json:"data"`
}

// IsChunk reports whether the envelope carries a slice of a split field.
func (e *Envelope) IsChunk() bool {
	return e.ChunkID != ""
}

// Map renders the envelope as the generic map sent to the control plane.
func (e *Envelope) Map() map[string]any {
	m := map[string]any{
		"timeStamp":      e.TimeStamp,
		"messageType":    e.MessageType,
		"source_msg_uid": e.CorrelationID,
		"parts_count":    e.PartsCount,
		"data":           e.Data,
	}
	if e.IsChunk() {
		m["chunk_num"] = e.ChunkNum
		m["chunk_count"] = e.ChunkCount
		m["chunk_id"] = e.ChunkID
	}
	return m
}

// Options controls how BuildEnvelopes tags its output.
type Options struct {
	// MaxChunkSize is the split threshold in characters. Values <= 0 fall
	// back to DefaultMaxChunkSize.
	MaxChunkSize int
	MessageType  string
	// CorrelationID is shared by every envelope. A random UUID is used when
	// empty.
	CorrelationID string
	// Timestamp defaults to time.Now.
	Timestamp time.Time
	// PassThrough fields are copied into the data of every chunk envelope.
	PassThrough map[string]any
}

// Split partitions content into ordered slices of at most maxChunkSize
// characters. The last slice may be shorter. Empty content yields no slices.
func Split(content string, maxChunkSize int) []string {
	if content == "" {
		return nil
	}
	if maxChunkSize <= 0 || utf8.RuneCountInString(content) <= maxChunkSize {
		return []string{content}
	}
	chunks := make([]string, 0, utf8.RuneCountInString(content)/maxChunkSize+1)
	start, runes := 0, 0
	for i := range content {
		if runes == maxChunkSize {
			chunks = append(chunks, content[start:i])
			start, runes = i, 0
		}
		runes++
	}
	return append(chunks, content[start:])
}

// Oversized reports whether any of the given fields holds a string longer
// than maxChunkSize characters.
func Oversized(payload map[string]any, fields []string, maxChunkSize int) bool {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	for _, field := range fields {
		if s, ok := lookupString(payload, field); ok && utf8.RuneCountInString(s) > maxChunkSize {
			return true
		}
	}
	return false
}

// BuildEnvelopes produces the root envelope for payload followed by the chunk
// envelopes of every oversized field. Fields are dot-separated paths into the
// payload (for example "data.img") and are processed in the given order; the
// chunk_id of their envelopes is the last path element. The payload itself is
// not modified.
func BuildEnvelopes(payload map[string]any, fields []string, opts Options) []Envelope {
	maxSize := opts.MaxChunkSize
	if maxSize <= 0 {
		maxSize = DefaultMaxChunkSize
	}
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	timeStamp := ts.Format(TimestampLayout)

	root := payload
	var chunks []Envelope
	for _, field := range fields {
		content, ok := lookupString(root, field)
		if !ok || utf8.RuneCountInString(content) <= maxSize {
			continue
		}
		root = withoutField(root, field)
		parts := Split(content, maxSize)
		leaf := field[strings.LastIndexByte(field, '.')+1:]
		for i, part := range parts {
			data := make(map[string]any, len(opts.PassThrough)+1)
			maps.Copy(data, opts.PassThrough)
			data[leaf] = part
			chunks = append(chunks, Envelope{
				TimeStamp:     timeStamp,
				MessageType:   opts.MessageType,
				CorrelationID: correlationID,
				ChunkNum:      i + 1,
				ChunkCount:    len(parts),
				ChunkID:       leaf,
				Data:          data,
			})
		}
	}

	partsCount := 1 + len(chunks)
	envelopes := make([]Envelope, 0, partsCount)
	envelopes = append(envelopes, Envelope{
		TimeStamp:     timeStamp,
		MessageType:   opts.MessageType,
		CorrelationID: correlationID,
		PartsCount:    partsCount,
		Data:          root,
	})
	for _, chunk := range chunks {
		chunk.PartsCount = partsCount
		envelopes = append(envelopes, chunk)
	}
	return envelopes
}

func lookupString(payload map[string]any, path string) (string, bool) {
	cur := payload
	keys := strings.Split(path, ".")
	for _, key := range keys[:len(keys)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return "", false
		}
		cur = next
	}
	s, ok := cur[keys[len(keys)-1]].(string)
	return s, ok
}

// withoutField returns a copy of payload with path removed. Only the maps
// along the path are copied; everything else is shared.
func withoutField(payload map[string]any, path string) map[string]any {
	key, rest, nested := strings.Cut(path, ".")
	out := maps.Clone(payload)
	if !nested {
		delete(out, key)
		return out
	}
	if child, ok := out[key].(map[string]any); ok {
		out[key] = withoutField(child, rest)
	}
	return out
}
