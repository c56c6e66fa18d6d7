package mutation

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Envelope types on a JSON-lines stream.
const (
	TypeBatch    = "batch"
	TypeSnapshot = "snapshot"
	TypeScan     = "scan"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is one decoded envelope. Exactly one field is set.
type Event struct {
	Batch    *Batch
	Snapshot *Snapshot
}

// Decoder reads domwatch JSON lines.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Next returns the next batch or snapshot. Envelopes of other types
// (profiles, scan reports) are skipped. Returns io.EOF at the end.
func (d *Decoder) Next() (Event, error) {
	for {
		var env envelope
		if err := d.dec.Decode(&env); err != nil {
			return Event{}, err
		}
		switch env.Type {
		case TypeBatch:
			var b Batch
			if err := json.Unmarshal(env.Data, &b); err != nil {
				return Event{}, fmt.Errorf("mutation: decode batch: %w", err)
			}
			return Event{Batch: &b}, nil
		case TypeSnapshot:
			var s Snapshot
			if err := json.Unmarshal(env.Data, &s); err != nil {
				return Event{}, fmt.Errorf("mutation: decode snapshot: %w", err)
			}
			return Event{Snapshot: &s}, nil
		}
	}
}

// Writer emits JSON lines. Safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Write emits one envelope of type typ.
func (w *Writer) Write(typ string, data any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}{typ, data})
}
