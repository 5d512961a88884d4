// Package logstore defines the log entry model and the persistence contract
// shared by the pipeline and the store adapters.
package logstore

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// UnknownSession is the reserved bucket for entries without a session id.
const UnknownSession = "unknown"

// Entry is a single structured log record. It is immutable once enqueued;
// grouping produces fresh values rather than mutating entries in place.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"extra"`
	SessionID string         `json:"session_id,omitempty"`
}

// GroupBySession partitions a batch by session id, preserving intra-session
// order. The session id is stripped from the grouped copies since the group
// key carries it; entries without one land in the UnknownSession bucket.
// Cross-session interleaving is not preserved in the grouped shape.
func GroupBySession(batch []Entry) map[string][]Entry {
	grouped := make(map[string][]Entry)
	for _, entry := range batch {
		key := entry.SessionID
		if key == "" {
			key = UnknownSession
		}
		entry.SessionID = ""
		grouped[key] = append(grouped[key], entry)
	}
	return grouped
}

// EncodeJSON renders the entry as a single JSON document. Attributes that
// resist serialization are retried with stringified values so one awkward
// value never poisons the record.
func (e Entry) EncodeJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err == nil {
		return data, nil
	}
	return json.Marshal(e.stringified())
}

func (e Entry) stringified() Entry {
	attrs := make(map[string]any, len(e.Attrs))
	for k, v := range e.Attrs {
		if _, err := json.Marshal(v); err != nil {
			attrs[k] = fmt.Sprintf("%v", v)
			continue
		}
		attrs[k] = v
	}
	e.Attrs = attrs
	return e
}
