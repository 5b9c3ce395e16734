// Package broadcast implements the sender-based, acknowledgement-driven
// reliable broadcast primitive: submit originates a message, on_msg
// records and acks an inbound message, on_ack tracks acknowledgement sets
// and delivers once every current-view member has acked.
//
// As with membership, every exported method assumes the caller holds the
// shared protocol mutex for its duration.
package broadcast

import (
	"fmt"
	"time"

	"github.com/sushantsondhi/reliable-bcast/wire"
)

// Message is one originated or received broadcast message.
type Message struct {
	Seq     int64
	Sender  wire.ProcessID
	Content string
}

// Target is one current-view member the engine knows how to reach.
type Target struct {
	IP string
	ID wire.ProcessID
}

// Sender is how the engine dispatches packets; implemented by
// transport.Transport's SendUnicast in production.
type Sender interface {
	SendUnicast(addr string, p wire.Packet) error
}

// Deliverer is called exactly once per (view, sender, sequence) triple,
// under the same mutex that guards the engine's maps.
type Deliverer interface {
	Deliver(m Message)
}

// DeliverFunc adapts a plain function to the Deliverer interface.
type DeliverFunc func(m Message)

func (f DeliverFunc) Deliver(m Message) { f(m) }

// Engine is the reliable-broadcast half of the protocol state: the
// outgoing sequence counter, the pending list, and the acknowledgement
// map. It knows nothing about views changing shape, only about the
// current view's membership at any instant -- its caller (engine.Engine)
// passes the current view, or its size, into each Submit/OnMsg/OnAck call.
type Engine struct {
	SelfID wire.ProcessID

	seq int64

	// Pending is ordered; entries are appended on first observation and
	// removed on delivery or on view install (ClearForViewChange).
	Pending []Message
	// Acked maps sequence number to the set of sender ids that have
	// acknowledged it.
	Acked map[int64]map[wire.ProcessID]struct{}

	deliver Deliverer
}

func New(selfID wire.ProcessID, deliver Deliverer) *Engine {
	return &Engine{
		SelfID:  selfID,
		Acked:   make(map[int64]map[wire.ProcessID]struct{}),
		deliver: deliver,
	}
}

// Submit originates a new message with the next local sequence number,
// records it as pending (with self already in its own ack set -- a
// submitter trivially has its own message, no round trip needed to know
// that), and sends one MSG unicast to every member of the current view,
// including self.
func (e *Engine) Submit(content string, view []Target, send Sender) int64 {
	seq := e.seq
	e.seq++
	e.Pending = append(e.Pending, Message{Seq: seq, Sender: e.SelfID, Content: content})
	e.addAck(seq, e.SelfID)

	pkt := wire.Msg{Seq: seq, Sender: e.SelfID, Content: content}
	for _, t := range view {
		_ = send.SendUnicast(t.IP, pkt)
	}
	e.tryDeliver(len(view))
	return seq
}

// OnMsg handles an inbound MSG. A self-originated MSG is ignored (no
// record, no ACK). Otherwise, if the message hasn't been recorded yet,
// it's appended to pending; either way (new or duplicate), the
// originator is recorded in the message's ack set -- receiving the MSG at
// all is proof the originator has it -- and an ACK carrying this
// recipient's own id is sent to every current member including self, so
// that self's own contribution to the ack set arrives (and is counted)
// the same way every other member's does, via the self-loopback copy.
func (e *Engine) OnMsg(m wire.Msg, view []Target, send Sender) {
	if m.Sender == e.SelfID {
		return
	}
	if !e.hasPending(m.Seq, m.Sender) {
		e.Pending = append(e.Pending, Message{Seq: m.Seq, Sender: m.Sender, Content: m.Content})
	}
	e.addAck(m.Seq, m.Sender)

	ack := wire.Ack{Seq: m.Seq, Sender: e.SelfID}
	for _, t := range view {
		_ = send.SendUnicast(t.IP, ack)
	}
	e.tryDeliver(len(view))
}

// hasPending reports whether (seq, sender) is already recorded in
// Pending -- duplicate MSGs for a known sequence must be idempotent.
func (e *Engine) hasPending(seq int64, sender wire.ProcessID) bool {
	for _, p := range e.Pending {
		if p.Seq == seq && p.Sender == sender {
			return true
		}
	}
	return false
}

func (e *Engine) addAck(seq int64, sender wire.ProcessID) {
	set, ok := e.Acked[seq]
	if !ok {
		set = make(map[wire.ProcessID]struct{})
		e.Acked[seq] = set
	}
	set[sender] = struct{}{}
}

// OnAck handles an inbound ACK: add the acknowledging sender to the
// sequence's ack set, then let tryDeliver sweep anything that's now
// complete. A self-sent ACK (the loopback copy of the one OnMsg unicasts
// to every current member, including self) is not special-cased -- it is
// exactly how this process's own contribution to the ack set gets
// counted, since a recipient (unlike the originator) has no other way to
// record that it has the message.
//
// An ACK may arrive for a sequence number with no pending entry yet (the
// MSG hasn't arrived, or never will, e.g. because the sender raced the
// view change); the stray ack-set entry is kept until the next view
// install clears it.
func (e *Engine) OnAck(a wire.Ack, viewSize int) {
	e.addAck(a.Seq, a.Sender)
	e.tryDeliver(viewSize)
}

// tryDeliver repeatedly delivers and removes any pending message whose
// ack set has reached viewSize, in pending's iteration order. Called
// after every event that can grow an ack set (Submit, OnMsg, OnAck) since
// any of the three can be the one that completes a set -- an ACK can
// arrive before its MSG, and a late joiner's own MSG/ACK can complete a
// set nobody else was waiting on.
func (e *Engine) tryDeliver(viewSize int) {
	for {
		deliveredAny := false
		for i, p := range e.Pending {
			if len(e.Acked[p.Seq]) == viewSize {
				e.deliver.Deliver(p)
				delete(e.Acked, p.Seq)
				e.Pending = append(e.Pending[:i], e.Pending[i+1:]...)
				deliveredAny = true
				break
			}
		}
		if !deliveredAny {
			return
		}
	}
}

// ClearForViewChange empties pending and the ack map. Called on view
// install: no message crosses a view boundary as delivered, and any
// message still unacknowledged after a flush round is permanently
// dropped, per spec's documented fragility under packet loss during
// flush.
func (e *Engine) ClearForViewChange() {
	e.Pending = nil
	e.Acked = make(map[int64]map[wire.ProcessID]struct{})
}

// PendingSnapshot returns pending in its current order, suitable for
// re-forwarding during a flush round (membership.PendingMessage has the
// same shape deliberately, so callers just convert field-by-field).
func (e *Engine) PendingSnapshot() []Message {
	out := make([]Message, len(e.Pending))
	copy(out, e.Pending)
	return out
}

// StdoutDeliverer is the production Deliverer: one line per delivered
// message to standard output, carrying a local timestamp, the sender id,
// and the content -- the user-visible half of spec's output split.
type StdoutDeliverer struct{}

func (StdoutDeliverer) Deliver(m Message) {
	fmt.Printf("[%s] Delivered message from %d: %s\n", time.Now().Format("15:04:05"), m.Sender, m.Content)
}

var _ Deliverer = StdoutDeliverer{}
