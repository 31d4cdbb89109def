package relay

import (
	"encoding/json"
	"errors"
	"testing"
)

type delivery struct {
	to, event string
	payload   any
}

// fakeSender records deliveries and knows which connections exist.
type fakeSender struct {
	online map[string]bool
	sent   []delivery
}

func (f *fakeSender) SendTo(connID, event string, payload any) bool {
	if !f.online[connID] {
		return false
	}
	f.sent = append(f.sent, delivery{to: connID, event: event, payload: payload})
	return true
}

func newFake(ids ...string) *fakeSender {
	f := &fakeSender{online: map[string]bool{}}
	for _, id := range ids {
		f.online[id] = true
	}
	return f
}

func TestOfferDeliveredAsUserJoined(t *testing.T) {
	out := newFake("A", "B")
	r := New(out)

	err := r.Offer("B", json.RawMessage(`{"userToSignal":"A","callerID":"B","signal":{"type":"offer","sdp":"v=0"}}`))
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if len(out.sent) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(out.sent))
	}
	d := out.sent[0]
	if d.to != "A" || d.event != EventUserJoined {
		t.Errorf("unexpected delivery %+v", d)
	}
	p := d.payload.(UserJoined)
	if p.CallerID != "B" {
		t.Errorf("expected callerID B, got %q", p.CallerID)
	}
	if string(p.Signal) != `{"type":"offer","sdp":"v=0"}` {
		t.Errorf("signal altered: %s", p.Signal)
	}
}

func TestOfferStampsSenderAsCaller(t *testing.T) {
	out := newFake("A")
	r := New(out)

	if err := r.Offer("B", json.RawMessage(`{"userToSignal":"A","callerID":"C","signal":"x"}`)); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if got := out.sent[0].payload.(UserJoined).CallerID; got != "B" {
		t.Errorf("expected sender id B, got %q", got)
	}
}

func TestAnswerDeliveredAsReturnedSignal(t *testing.T) {
	out := newFake("A", "B")
	r := New(out)

	if err := r.Answer("A", json.RawMessage(`{"callerID":"B","signal":{"type":"answer"}}`)); err != nil {
		t.Fatalf("answer: %v", err)
	}
	d := out.sent[0]
	if d.to != "B" || d.event != EventReceivingReturnedSignal {
		t.Errorf("unexpected delivery %+v", d)
	}
	p := d.payload.(ReturnedSignal)
	if p.ID != "A" || string(p.Signal) != `{"type":"answer"}` {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestCandidatesRelayedLikeOffers(t *testing.T) {
	out := newFake("A")
	r := New(out)

	err := r.Offer("B", json.RawMessage(`{"userToSignal":"A","callerID":"B","signal":{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 5000 typ host"}}`))
	if err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if len(out.sent) != 1 {
		t.Fatalf("expected candidate to be delivered")
	}
}

func TestUnknownDestinationIsSilent(t *testing.T) {
	out := newFake("B")
	r := New(out)

	if err := r.Offer("B", json.RawMessage(`{"userToSignal":"gone","callerID":"B","signal":1}`)); err != nil {
		t.Errorf("expected no error for unknown destination, got %v", err)
	}
	if err := r.Answer("B", json.RawMessage(`{"callerID":"gone","signal":1}`)); err != nil {
		t.Errorf("expected no error for unknown destination, got %v", err)
	}
	if len(out.sent) != 0 {
		t.Errorf("expected nothing delivered, got %d", len(out.sent))
	}
}

func TestMalformedOffers(t *testing.T) {
	out := newFake("A", "B")
	r := New(out)

	for _, raw := range []string{
		`not json`,
		`{"callerID":"B","signal":1}`,
		`{"userToSignal":"A","signal":1}`,
		`{"userToSignal":"A","callerID":"B"}`,
		`{"userToSignal":"A","callerID":"B","signal":null}`,
		`"A"`,
	} {
		if err := r.Offer("B", json.RawMessage(raw)); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", raw, err)
		}
	}
	if len(out.sent) != 0 {
		t.Errorf("malformed offers were forwarded: %d", len(out.sent))
	}
}

func TestMalformedAnswers(t *testing.T) {
	out := newFake("A", "B")
	r := New(out)

	for _, raw := range []string{
		`[]`,
		`{"signal":1}`,
		`{"callerID":"B"}`,
	} {
		if err := r.Answer("A", json.RawMessage(raw)); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", raw, err)
		}
	}
	if len(out.sent) != 0 {
		t.Errorf("malformed answers were forwarded: %d", len(out.sent))
	}
}
