package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Outbound event names.
const (
	EventUserJoined              = "user joined"
	EventReceivingReturnedSignal = "receiving returned signal"
)

// ErrMalformed marks a signaling payload that lacks its addressing fields.
var ErrMalformed = errors.New("relay: malformed payload")

// Sender delivers one event to one connection. It returns false when the
// destination is not connected.
type Sender interface {
	SendTo(connID, event string, payload any) bool
}

// Offer is the "sending signal" payload.
type Offer struct {
	UserToSignal string          `json:"userToSignal"`
	CallerID     string          `json:"callerID"`
	Signal       json.RawMessage `json:"signal"`
}

// Answer is the "returning signal" payload.
type Answer struct {
	CallerID string          `json:"callerID"`
	Signal   json.RawMessage `json:"signal"`
}

// UserJoined is delivered to the target of an offer.
type UserJoined struct {
	Signal   json.RawMessage `json:"signal"`
	CallerID string          `json:"callerID"`
}

// ReturnedSignal is delivered to the caller of an answer.
type ReturnedSignal struct {
	Signal json.RawMessage `json:"signal"`
	ID     string          `json:"id"`
}

// Relay forwards signaling between connections. It keeps no state; a
// message for a connection that is gone is dropped.
type Relay struct {
	out Sender
}

// New creates a Relay delivering through out.
func New(out Sender) *Relay {
	return &Relay{out: out}
}

// Offer routes a "sending signal" payload from the connection from to its
// userToSignal, as a "user joined" event. The delivered callerID is always
// the sender's own id so the recipient can answer it.
func (r *Relay) Offer(from string, raw json.RawMessage) error {
	var p Offer
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.UserToSignal == "" || p.CallerID == "" || emptySignal(p.Signal) {
		return fmt.Errorf("%w: offer needs userToSignal, callerID and signal", ErrMalformed)
	}
	if p.CallerID != from {
		log.Warn().Str("component", "relay").Str("conn", from).Str("caller_id", p.CallerID).Msg("offer callerID does not match sender, using sender")
	}
	r.deliver(from, p.UserToSignal, EventUserJoined, UserJoined{Signal: p.Signal, CallerID: from})
	return nil
}

// Answer routes a "returning signal" payload back to callerID as a
// "receiving returned signal" event tagged with the sender's id.
func (r *Relay) Answer(from string, raw json.RawMessage) error {
	var p Answer
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.CallerID == "" || emptySignal(p.Signal) {
		return fmt.Errorf("%w: answer needs callerID and signal", ErrMalformed)
	}
	r.deliver(from, p.CallerID, EventReceivingReturnedSignal, ReturnedSignal{Signal: p.Signal, ID: from})
	return nil
}

func (r *Relay) deliver(from, to, event string, payload any) {
	if !r.out.SendTo(to, event, payload) {
		log.Debug().Str("component", "relay").Str("conn", from).Str("to", to).Str("event", event).Msg("destination gone, dropped")
	}
}

func emptySignal(s json.RawMessage) bool {
	s = bytes.TrimSpace(s)
	return len(s) == 0 || bytes.Equal(s, []byte("null"))
}
