// Package protocol defines the envelope, the only structure that crosses a
// sandbox boundary, plus the codecs that carry it.
package protocol

import (
	"time"

	"sandbus/pkg/endpoint"
	"sandbus/pkg/faults"
)

// Kind discriminates requests from replies.
type Kind uint8

const (
	KindMessage Kind = iota + 1
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Envelope carries one application message or reply between sandboxes.
//
// A nil Destination means "the holder is the final recipient". Hops lists the
// router ids that have already forwarded the envelope; a router whose id is
// present must not process it again. The routing layer is the only writer of
// Destination and Hops; to the application the envelope is immutable.
type Envelope struct {
	Origin      endpoint.Endpoint  `json:"origin"`
	Destination *endpoint.Endpoint `json:"destination,omitempty"`
	Transaction string             `json:"transaction"`
	Hops        []string           `json:"hops"`
	MessageID   string             `json:"message_id"`
	Kind        Kind               `json:"kind"`
	Payload     any                `json:"payload,omitempty"`
	Error       *faults.Record     `json:"error,omitempty"`
	Timestamp   int64              `json:"ts_unix_ms"`
}

// NewMessage builds a request envelope with a fresh hop list.
func NewMessage(origin, dest endpoint.Endpoint, transaction, messageID string, payload any) *Envelope {
	d := dest
	return &Envelope{
		Origin:      origin,
		Destination: &d,
		Transaction: transaction,
		Hops:        []string{},
		MessageID:   messageID,
		Kind:        KindMessage,
		Payload:     payload,
		Timestamp:   Now(),
	}
}

// NewReply builds the reply envelope for req, addressed back to its origin
// with a fresh hop list so it can retrace an equivalent path.
func NewReply(self endpoint.Endpoint, req *Envelope) *Envelope {
	back := req.Origin
	return &Envelope{
		Origin:      self,
		Destination: &back,
		Transaction: req.Transaction,
		Hops:        []string{},
		MessageID:   req.MessageID,
		Kind:        KindReply,
		Timestamp:   Now(),
	}
}

// Visited reports whether routerID already forwarded this envelope.
func (e *Envelope) Visited(routerID string) bool {
	for _, h := range e.Hops {
		if h == routerID {
			return true
		}
	}
	return false
}

// Now is the envelope timestamp clock (unix milliseconds).
func Now() int64 { return time.Now().UnixMilli() }
