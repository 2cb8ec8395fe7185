package signaling

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"telehealth-rtc/internal/apperr"
	"telehealth-rtc/internal/events"
)

const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

// stubGate allows relays between a and b on call c1 while open is true.
type stubGate struct {
	open  bool
	calls int
}

func (g *stubGate) WithPeer(_ context.Context, callID, senderID string, fn func(string) error) error {
	g.calls++
	if callID != "c1" {
		return apperr.ErrCallNotFound
	}
	var peer string
	switch senderID {
	case "a":
		peer = "b"
	case "b":
		peer = "a"
	default:
		return apperr.ErrNotParticipant
	}
	if !g.open {
		return apperr.ErrStateConflict
	}
	return fn(peer)
}

func TestRelay_ForwardsToPeerOnly(t *testing.T) {
	rec := events.NewRecorder()
	r := NewRelay(&stubGate{open: true}, rec, nil)
	ctx := context.Background()

	if err := r.RelayOffer(ctx, "c1", "a", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := r.RelayAnswer(ctx, "c1", "b", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := r.RelayICECandidate(ctx, "c1", "a", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host"}); err != nil {
		t.Fatalf("candidate: %v", err)
	}

	got := rec.UserTypes("b")
	if len(got) != 2 || got[0] != events.CallOffer || got[1] != events.CallICECandidate {
		t.Fatalf("unexpected events for b: %v", got)
	}
	got = rec.UserTypes("a")
	if len(got) != 1 || got[0] != events.CallAnswer {
		t.Fatalf("unexpected events for a: %v", got)
	}
	p := rec.User("b")[0].Payload.(DescriptionPayload)
	if p.From != "a" || p.CallID != "c1" {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestRelay_PreservesSenderOrder(t *testing.T) {
	rec := events.NewRecorder()
	r := NewRelay(&stubGate{open: true}, rec, nil)

	cands := []string{"candidate:1", "candidate:2", "candidate:3"}
	for _, c := range cands {
		if err := r.RelayICECandidate(context.Background(), "c1", "a", webrtc.ICECandidateInit{Candidate: c}); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}
	evs := rec.User("b")
	if len(evs) != len(cands) {
		t.Fatalf("expected %d events, got %d", len(cands), len(evs))
	}
	for i, ev := range evs {
		if ev.Payload.(CandidatePayload).Candidate.Candidate != cands[i] {
			t.Fatalf("order broken at %d", i)
		}
	}
}

func TestRelay_RejectsWithoutForwarding(t *testing.T) {
	rec := events.NewRecorder()
	gate := &stubGate{open: true}
	r := NewRelay(gate, rec, nil)
	ctx := context.Background()
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1"}

	if err := r.RelayICECandidate(ctx, "missing", "a", cand); !errors.Is(err, apperr.ErrCallNotFound) {
		t.Fatalf("expected CALL_NOT_FOUND, got %v", err)
	}
	if err := r.RelayICECandidate(ctx, "c1", "mallory", cand); !errors.Is(err, apperr.ErrNotParticipant) {
		t.Fatalf("expected NOT_PARTICIPANT, got %v", err)
	}
	gate.open = false
	if err := r.RelayICECandidate(ctx, "c1", "a", cand); !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("expected STATE_CONFLICT, got %v", err)
	}
	if len(rec.User("a"))+len(rec.User("b")) != 0 {
		t.Fatalf("nothing should have been relayed")
	}
}

func TestRelay_ValidatesBeforeGate(t *testing.T) {
	gate := &stubGate{open: true}
	r := NewRelay(gate, nil, nil)
	ctx := context.Background()

	if err := r.RelayOffer(ctx, "c1", "a", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}); !errors.Is(err, apperr.ErrInvalidPayload) {
		t.Fatalf("expected wrong type rejected, got %v", err)
	}
	if err := r.RelayOffer(ctx, "c1", "a", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"}); !errors.Is(err, apperr.ErrInvalidPayload) {
		t.Fatalf("expected malformed sdp rejected, got %v", err)
	}
	if err := r.RelayICECandidate(ctx, "c1", "a", webrtc.ICECandidateInit{}); !errors.Is(err, apperr.ErrInvalidPayload) {
		t.Fatalf("expected empty candidate rejected, got %v", err)
	}
	if gate.calls != 0 {
		t.Fatalf("gate should not be consulted for invalid payloads")
	}
}
