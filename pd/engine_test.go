package pd_test

import (
	"net"
	"sync"
	"testing"

	"github.com/railtrdp/trdpgo/pd"
	"github.com/railtrdp/trdpgo/wire"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    [][]byte
	joined  []string
	left    []string
	failAll bool
}

func (f *fakeSender) SendPD(_ net.IP, _ pd.SendParams, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return net.UnknownNetworkError("boom")
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeSender) JoinGroup(group net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, group.String())
	return nil
}

func (f *fakeSender) LeaveGroup(group net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, group.String())
	return nil
}

func newEngine(sender *fakeSender) *pd.Engine {
	return pd.NewEngine(sender, func() uint32 { return 0 }, func() uint32 { return 0 })
}

func TestPutSizeInvariance(t *testing.T) {
	sender := &fakeSender{}
	e := newEngine(sender)
	p, err := e.Publish(2001, nil, net.ParseIP("239.192.0.1"), int64(100_000_000), 0, pd.SendParams{}, 0)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.Put(make([]byte, 20)); err != nil {
		t.Fatalf("first put of size 20: %v", err)
	}
	if err := p.Put(make([]byte, 20)); err != nil {
		t.Fatalf("same-size put: %v", err)
	}
	if err := p.Put(make([]byte, 21)); err == nil {
		t.Fatalf("expected PARAM_ERR on mismatched put size")
	}
}

func TestDueSendAdvancesAndCatchesUpOneStep(t *testing.T) {
	sender := &fakeSender{}
	e := newEngine(sender)
	interval := int64(100_000_000) // 100ms
	p, _ := e.Publish(2001, nil, net.ParseIP("10.0.0.1"), interval, 0, pd.SendParams{}, 0)
	_ = p.Put(make([]byte, 4))

	// first send happens immediately since Put marks dirty
	if err := e.Process(0); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 send after dirty put, got %d", len(sender.sent))
	}

	// jump far past several intervals: only one more send should occur
	// per process() call (single-step catch-up, no bursting).
	far := interval * 10
	if err := e.Process(far); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected exactly one catch-up send, got %d total", len(sender.sent))
	}
}

func TestRedundancyFollowerStaysSilent(t *testing.T) {
	sender := &fakeSender{}
	e := newEngine(sender)
	a, _ := e.Publish(3000, nil, net.ParseIP("10.0.0.2"), int64(10_000_000), 7, pd.SendParams{}, 0)
	b, _ := e.Publish(3000, nil, net.ParseIP("10.0.0.2"), int64(10_000_000), 7, pd.SendParams{}, 0)
	_ = a.Put([]byte("x"))
	_ = b.Put([]byte("x"))

	e.SetRedundant(7, false)
	if err := e.Process(0); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("follower group must stay silent, got %d sends", len(sender.sent))
	}

	e.SetRedundant(7, true)
	_ = a.Put([]byte("y"))
	_ = b.Put([]byte("y"))
	if err := e.Process(0); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("leader group: expected both members to send, got %d", len(sender.sent))
	}
}

func TestSubscribeDuplicateRejected(t *testing.T) {
	sender := &fakeSender{}
	e := newEngine(sender)
	dst := net.ParseIP("239.192.0.1")
	if _, err := e.Subscribe(2001, nil, nil, dst, int64(1_000_000_000), pd.ToKeep, 0); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if _, err := e.Subscribe(2001, nil, nil, dst, int64(1_000_000_000), pd.ToKeep, 0); err == nil {
		t.Fatalf("expected duplicate subscription to be rejected")
	}
	if len(sender.joined) != 1 {
		t.Fatalf("expected exactly one multicast join, got %d", len(sender.joined))
	}
}

func TestDispatchSequenceMonotonicityAndStaleDrop(t *testing.T) {
	sender := &fakeSender{}
	e := newEngine(sender)
	var received []uint32
	s, err := e.Subscribe(2001, net.ParseIP("10.0.0.200"), net.ParseIP("10.0.0.200"), nil, int64(1_200_000_000), pd.ToKeep, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	s.OnReceive = func(m pd.Meta) { received = append(received, m.Seq) }

	pub, _ := e.Publish(2001, nil, net.ParseIP("239.192.0.1"), int64(100_000_000), 0, pd.SendParams{}, 0)
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}
	_ = pub.Put(payload)

	src := net.ParseIP("10.0.0.200")
	for i := 0; i < 10; i++ {
		if err := e.Process(int64(i) * 100_000_000); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if len(sender.sent) != 10 {
		t.Fatalf("expected 10 frames sent, got %d", len(sender.sent))
	}
	for _, frame := range sender.sent {
		if err := e.Dispatch(frame, src, nil, 900_000_000); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	if len(received) != 10 {
		t.Fatalf("expected 10 accepted frames, got %d", len(received))
	}
	for i, seq := range received {
		if seq != uint32(i) {
			t.Fatalf("sequence %d: got %d, want %d", i, seq, i)
		}
	}

	// replaying the first frame again must be dropped as stale.
	if err := e.Dispatch(sender.sent[0], src, nil, 900_000_000); err != nil {
		t.Fatalf("dispatch stale: %v", err)
	}
	if len(received) != 10 {
		t.Fatalf("stale replay must not invoke the callback, got %d total callbacks", len(received))
	}
}

func TestTimeoutBehaviorZeroAndKeep(t *testing.T) {
	for _, tc := range []struct {
		name   string
		behave pd.ToBehavior
	}{
		{"zero-on-timeout", pd.ToZero},
		{"keep-last", pd.ToKeep},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sender := &fakeSender{}
			e := newEngine(sender)
			timeout := int64(200_000_000)
			s, _ := e.Subscribe(9001, nil, nil, nil, timeout, tc.behave, 0)

			// a sweep before any data arrives must not time out
			// (Subscribe already set the baseline).
			if err := e.Process(0); err != nil {
				t.Fatalf("process: %v", err)
			}
			payload := []byte{1, 2, 3, 4}
			if err := e.Dispatch(wireSample(9001, 0, payload), net.IPv4zero, nil, 0); err != nil {
				t.Fatalf("dispatch: %v", err)
			}

			if err := e.Process(timeout + 1); err != nil {
				t.Fatalf("process: %v", err)
			}
			got, _, timedOut := s.Get()
			if !timedOut {
				t.Fatalf("expected subscriber to report timeout")
			}
			switch tc.behave {
			case pd.ToZero:
				for i, b := range got {
					if b != 0 {
						t.Fatalf("byte %d not zeroed: %v", i, got)
					}
				}
			case pd.ToKeep:
				for i, b := range got {
					if b != payload[i] {
						t.Fatalf("keep-last payload mutated: got %v want %v", got, payload)
					}
				}
			}
		})
	}
}

func wireSample(comID uint32, seq uint32, payload []byte) []byte {
	h := wire.PDHeader{SeqCounter: seq, Version: wire.ProtocolVersion, MsgType: wire.MsgPd, ComID: comID}
	return wire.EncodePD(h, payload)
}
