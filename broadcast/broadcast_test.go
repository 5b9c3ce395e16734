package broadcast_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushantsondhi/reliable-bcast/broadcast"
	"github.com/sushantsondhi/reliable-bcast/wire"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]wire.Packet
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[string][]wire.Packet)}
}

func (s *recordingSender) SendUnicast(addr string, p wire.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[addr] = append(s.sent[addr], p)
	return nil
}

type recordingDeliverer struct {
	delivered []broadcast.Message
}

func (d *recordingDeliverer) Deliver(m broadcast.Message) {
	d.delivered = append(d.delivered, m)
}

func TestSubmit_SingleMemberViewDeliversImmediately(t *testing.T) {
	d := &recordingDeliverer{}
	e := broadcast.New(0, d)
	sender := newRecordingSender()
	view := []broadcast.Target{{IP: "10.0.0.1", ID: 0}}

	seq := e.Submit("hello", view, sender)

	require.Len(t, d.delivered, 1)
	assert.Equal(t, seq, d.delivered[0].Seq)
	assert.Equal(t, wire.ProcessID(0), d.delivered[0].Sender)
	assert.Equal(t, "hello", d.delivered[0].Content)
	assert.Empty(t, e.Pending)
}

func TestSubmit_ThreeMemberViewWaitsForAcks(t *testing.T) {
	d := &recordingDeliverer{}
	e := broadcast.New(0, d)
	sender := newRecordingSender()
	view := []broadcast.Target{{IP: "10.0.0.1", ID: 0}, {IP: "10.0.0.2", ID: 1}, {IP: "10.0.0.3", ID: 2}}

	seq := e.Submit("hi", view, sender)
	assert.Empty(t, d.delivered, "must not deliver until every member has acked")
	require.Len(t, e.Pending, 1)

	e.OnAck(wire.Ack{Seq: seq, Sender: 1}, len(view))
	assert.Empty(t, d.delivered)

	e.OnAck(wire.Ack{Seq: seq, Sender: 2}, len(view))
	require.Len(t, d.delivered, 1)
	assert.Equal(t, seq, d.delivered[0].Seq)
	assert.Empty(t, e.Pending)
}

func TestOnMsg_RecordsOriginatorAndSendsOwnAck(t *testing.T) {
	d := &recordingDeliverer{}
	e := broadcast.New(1, d)
	sender := newRecordingSender()
	view := []broadcast.Target{{IP: "10.0.0.1", ID: 0}, {IP: "10.0.0.2", ID: 1}}

	e.OnMsg(wire.Msg{Seq: 5, Sender: 0, Content: "from zero"}, view, sender)

	require.Len(t, e.Pending, 1)
	assert.Equal(t, wire.ProcessID(0), e.Pending[0].Sender)
	_, originatorAcked := e.Acked[5][0]
	assert.True(t, originatorAcked, "receiving the MSG is proof the originator already has it")

	for _, addr := range []string{"10.0.0.1", "10.0.0.2"} {
		assert.Contains(t, sender.sent[addr], wire.Packet(wire.Ack{Seq: 5, Sender: 1}))
	}
}

func TestOnMsg_DuplicateIsIdempotent(t *testing.T) {
	d := &recordingDeliverer{}
	e := broadcast.New(1, d)
	sender := newRecordingSender()
	view := []broadcast.Target{{IP: "10.0.0.1", ID: 0}, {IP: "10.0.0.2", ID: 1}}

	m := wire.Msg{Seq: 5, Sender: 0, Content: "from zero"}
	e.OnMsg(m, view, sender)
	e.OnMsg(m, view, sender)

	assert.Len(t, e.Pending, 1, "duplicate MSG must not be recorded twice")
}

func TestOnMsg_IgnoresSelfOriginated(t *testing.T) {
	d := &recordingDeliverer{}
	e := broadcast.New(0, d)
	sender := newRecordingSender()
	view := []broadcast.Target{{IP: "10.0.0.1", ID: 0}}

	e.OnMsg(wire.Msg{Seq: 1, Sender: 0, Content: "echo"}, view, sender)

	assert.Empty(t, e.Pending)
	assert.Empty(t, sender.sent)
}

func TestAckBeforeMsg_DeliversOnceMsgArrives(t *testing.T) {
	d := &recordingDeliverer{}
	e := broadcast.New(1, d)
	sender := newRecordingSender()
	view := []broadcast.Target{{IP: "10.0.0.1", ID: 0}, {IP: "10.0.0.2", ID: 1}}

	// An ACK for sequence 7 arrives before the originator's MSG itself. It
	// carries sender 1, this engine's own id (the non-originator): process
	// 0, as the originator, never emits a wire ACK of its own for this
	// sequence.
	e.OnAck(wire.Ack{Seq: 7, Sender: 1}, len(view))
	assert.Empty(t, d.delivered)

	e.OnMsg(wire.Msg{Seq: 7, Sender: 0, Content: "late msg"}, view, sender)

	require.Len(t, d.delivered, 1, "recording the originator's id inside OnMsg must complete the set")
	assert.Equal(t, int64(7), d.delivered[0].Seq)
}

// TestTwoPeer_FullRoundTrip_DeliversAtBothEnds wires two engines together
// through a relay that routes SendUnicast calls straight into the
// matching engine's OnMsg/OnAck, the same way the engine package's real
// transport would -- a single-engine unit test cannot catch a protocol
// asymmetry that only shows up once both sides of an exchange run.
type relayNetwork struct {
	engines map[string]*broadcast.Engine
	view    []broadcast.Target
}

func (r *relayNetwork) SendUnicast(addr string, p wire.Packet) error {
	e, ok := r.engines[addr]
	if !ok {
		return nil
	}
	switch pkt := p.(type) {
	case wire.Msg:
		e.OnMsg(pkt, r.view, r)
	case wire.Ack:
		e.OnAck(pkt, len(r.view))
	}
	return nil
}

func TestTwoPeer_FullRoundTrip_DeliversAtBothEnds(t *testing.T) {
	d0 := &recordingDeliverer{}
	d1 := &recordingDeliverer{}
	e0 := broadcast.New(0, d0)
	e1 := broadcast.New(1, d1)

	view := []broadcast.Target{{IP: "10.0.0.1", ID: 0}, {IP: "10.0.0.2", ID: 1}}
	net := &relayNetwork{
		engines: map[string]*broadcast.Engine{"10.0.0.1": e0, "10.0.0.2": e1},
		view:    view,
	}

	e0.Submit("hello", view, net)

	require.Len(t, d0.delivered, 1, "originator must deliver once every member, including itself, has acked")
	require.Len(t, d1.delivered, 1, "recipient must deliver once every member, including itself, has acked")
	assert.Equal(t, "hello", d0.delivered[0].Content)
	assert.Equal(t, "hello", d1.delivered[0].Content)
}

func TestMultipleMessages_DeliveredInPendingOrder(t *testing.T) {
	d := &recordingDeliverer{}
	e := broadcast.New(0, d)
	sender := newRecordingSender()
	view := []broadcast.Target{{IP: "10.0.0.1", ID: 0}, {IP: "10.0.0.2", ID: 1}}

	seq1 := e.Submit("first", view, sender)
	seq2 := e.Submit("second", view, sender)

	e.OnAck(wire.Ack{Seq: seq1, Sender: 1}, len(view))
	e.OnAck(wire.Ack{Seq: seq2, Sender: 1}, len(view))

	require.Len(t, d.delivered, 2)
	assert.Equal(t, seq1, d.delivered[0].Seq)
	assert.Equal(t, seq2, d.delivered[1].Seq)
}

func TestClearForViewChange_DropsAllState(t *testing.T) {
	d := &recordingDeliverer{}
	e := broadcast.New(0, d)
	sender := newRecordingSender()
	view := []broadcast.Target{{IP: "10.0.0.1", ID: 0}, {IP: "10.0.0.2", ID: 1}}

	e.Submit("stuck", view, sender)
	require.Len(t, e.Pending, 1)

	e.ClearForViewChange()

	assert.Empty(t, e.Pending)
	assert.Empty(t, e.Acked)
}

func TestPendingSnapshot_IsACopy(t *testing.T) {
	d := &recordingDeliverer{}
	e := broadcast.New(0, d)
	sender := newRecordingSender()
	view := []broadcast.Target{{IP: "10.0.0.1", ID: 0}, {IP: "10.0.0.2", ID: 1}}

	e.Submit("x", view, sender)
	snap := e.PendingSnapshot()
	require.Len(t, snap, 1)

	e.ClearForViewChange()
	assert.Len(t, snap, 1, "snapshot must survive a subsequent clear")
}
