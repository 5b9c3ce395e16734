// Package detector implements the heartbeat/TTL failure detector: at the
// coordinator, a per-peer TTL countdown reset by inbound HEART_BEAT and
// decremented every tick; at followers, periodic HEART_BEAT emission to the
// broadcast address.
//
// As with membership and broadcast, every exported method assumes the
// caller holds the shared protocol mutex for its duration.
package detector

import (
	"log"

	"github.com/sushantsondhi/reliable-bcast/wire"
)

// DefaultTickInterval and DefaultTTLCeiling are the design values: a
// heartbeat every 3 seconds, eviction after 3 consecutive missed ticks
// (~9 seconds of silence).
const (
	DefaultTickInterval = 3 // seconds; engine converts to time.Duration
	DefaultTTLCeiling   = 3
)

// Broadcaster is how the detector reaches the subnet; implemented by
// transport.Transport's SendBroadcast in production.
type Broadcaster interface {
	SendBroadcast(p wire.Packet) error
}

// Detector owns the coordinator's TTL table. Followers never construct
// one with entries -- they only use SendHeartbeat.
type Detector struct {
	ceiling int

	// ttl maps peer id to remaining ticks. Coordinator only; a follower's
	// table is allocated but stays empty.
	ttl map[wire.ProcessID]int
}

// New constructs a Detector with the given TTL ceiling.
func New(ceiling int) *Detector {
	return &Detector{
		ceiling: ceiling,
		ttl:     make(map[wire.ProcessID]int),
	}
}

// Track begins TTL tracking for a newly admitted peer, seeded at the
// ceiling -- called by the coordinator on JOIN, per spec.
func (d *Detector) Track(id wire.ProcessID) {
	d.ttl[id] = d.ceiling
}

// Untrack stops TTL tracking for a peer, so a later Track of the same id
// starts clean. The engine does not call it: Tick already stops tracking
// the ids it reports as dead.
func (d *Detector) Untrack(id wire.ProcessID) {
	delete(d.ttl, id)
}

// OnHeartbeat resets the sender's TTL to the ceiling. A heartbeat from an
// untracked id is recorded anyway -- the peer may have joined in the same
// tick the coordinator hasn't yet processed the JOIN for, and tracking it
// now is harmless.
func (d *Detector) OnHeartbeat(from wire.ProcessID) {
	d.ttl[from] = d.ceiling
}

// Tick decrements every tracked peer's TTL by one and returns the set of
// peer ids that reached zero -- these drive the failure-induced view
// change in membership.Manager.EvictAndReform. Evicted ids stop being
// tracked; the caller is responsible for re-Track-ing if they ever
// rejoin.
func (d *Detector) Tick() []wire.ProcessID {
	var dead []wire.ProcessID
	for id, remaining := range d.ttl {
		remaining--
		if remaining <= 0 {
			dead = append(dead, id)
			delete(d.ttl, id)
			log.Printf("detector: peer %d missed %d consecutive ticks, evicting", id, d.ceiling)
			continue
		}
		d.ttl[id] = remaining
	}
	return dead
}

// SendHeartbeat emits this peer's HEART_BEAT to the broadcast address --
// the follower side of the detector, run on every tick regardless of
// role (the coordinator also broadcasts one, though nobody's TTL table
// tracks the coordinator, since spec scopes TTL tracking to
// non-coordinator peers only).
func SendHeartbeat(selfID wire.ProcessID, selfIP string, b Broadcaster) error {
	return b.SendBroadcast(wire.Heartbeat{Sender: selfID, IP: selfIP})
}
