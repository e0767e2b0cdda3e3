package stream

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/agentboard/agentboard/pkg/analysis"
)

// Kind discriminates stream event envelopes.
type Kind string

const (
	// KindUpdate carries a partial snapshot.
	KindUpdate Kind = "update"
	// KindDone is the terminal signal. Its payload may itself be partial
	// and must not be trusted as the final result.
	KindDone Kind = "done"
	// KindError reports a transport or backend failure.
	KindError Kind = "error"
)

// Event is the wire envelope pushed by the analysis backend for one
// query's progress stream.
type Event struct {
	Kind    Kind             `json:"kind"`
	QueryID string           `json:"query_id,omitempty"`
	Update  *analysis.Update `json:"update,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// ParseEvent decodes and validates a stream event payload.
func ParseEvent(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, errors.Wrap(err, "stream: decode event")
	}
	switch e.Kind {
	case KindUpdate, KindDone, KindError:
	default:
		return Event{}, errors.Errorf("stream: unknown event kind %q", e.Kind)
	}
	return e, nil
}

// Marshal encodes the event for publishing.
func (e Event) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "stream: encode event")
	}
	return b, nil
}

// Topic computes the per-query event topic.
func Topic(queryID string) string { return "query:" + queryID }
