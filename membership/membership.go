// Package membership owns the current view and any in-progress new view,
// implementing the coordinator/follower view-change state machine from
// the virtual-synchrony protocol: JOIN, VIEW_CHANGE, FLUSH, INSTALL_VIEW,
// and the failure-induced leave path.
//
// Every exported method assumes its caller (engine.Engine) holds the
// shared protocol mutex for the call's duration -- mirroring the
// teacher's raft.state mutator methods, which make the same assumption
// about RaftServer.Mutex.
package membership

import (
	"log"

	"github.com/google/uuid"

	"github.com/sushantsondhi/reliable-bcast/wire"
)

// Peer is one member's (address, id) pair, as carried in VIEW_CHANGE.
type Peer struct {
	IP string
	ID wire.ProcessID
}

// View is the ordered set of live members at an instant.
type View []Peer

func (v View) Contains(id wire.ProcessID) bool {
	for _, p := range v {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (v View) AddrOf(id wire.ProcessID) (string, bool) {
	for _, p := range v {
		if p.ID == id {
			return p.IP, true
		}
	}
	return "", false
}

func fromWireMembers(members []wire.Member) View {
	v := make(View, 0, len(members))
	for _, m := range members {
		v = append(v, Peer{IP: m.IP, ID: m.ID})
	}
	return v
}

func (v View) toWireMembers() []wire.Member {
	m := make([]wire.Member, 0, len(v))
	for _, p := range v {
		m = append(m, wire.Member{IP: p.IP, ID: p.ID})
	}
	return m
}

// PendingMessage is the minimal shape membership needs from
// broadcast.Message in order to re-forward it during a flush round,
// without importing the broadcast package (which itself does not need
// to know about views).
type PendingMessage struct {
	Seq     int64
	Sender  wire.ProcessID
	Content string
}

// Sender is how membership talks to the outside world: unicast one
// packet to a peer's address. Implemented by transport.Transport's
// SendUnicast in production.
type Sender interface {
	SendUnicast(addr string, p wire.Packet) error
}

// Manager owns one process's view-change state. IsCoordinator is fixed at
// construction (process 0 is always the coordinator, per spec).
type Manager struct {
	selfID        wire.ProcessID
	selfIP        string
	isCoordinator bool
	strictFlush   bool

	Current View
	NewView View
	InProgress bool

	flushComplete map[wire.ProcessID]struct{}

	// ttl is owned by the detector package in production; Manager never
	// mutates it directly, but EvictAndReform (the failure-induced leave
	// path) needs to know which peers to drop, so the caller passes them
	// in explicitly.
}

// New constructs a Manager for selfID. The coordinator (id 0) starts with
// a view containing only itself; followers start with an empty view and
// wait for their first VIEW_CHANGE.
func New(selfID wire.ProcessID, selfIP string, strictFlush bool) *Manager {
	m := &Manager{
		selfID:        selfID,
		selfIP:        selfIP,
		isCoordinator: selfID == 0,
		strictFlush:   strictFlush,
		flushComplete: make(map[wire.ProcessID]struct{}),
	}
	if m.isCoordinator {
		m.Current = View{{IP: selfIP, ID: 0}}
	}
	return m
}

func (m *Manager) IsCoordinator() bool { return m.isCoordinator }

// HandleJoin runs the coordinator's response to an inbound JOIN: seed a
// new view, send VIEW_CHANGE to every current member plus the joiner, and
// re-forward pending messages. It also unicasts a FLUSH(self_id) to every
// current member as the wire form of its own self-flush contribution --
// since the coordinator is itself a current-view member, this packet
// loops back to the coordinator's own Receive() and is what seeds its
// entry in the flush-complete set; other recipients are followers, who
// drop an inbound FLUSH on the floor (only the coordinator collects them)
// and instead generate their own completion FLUSH from HandleViewChange,
// triggered by the VIEW_CHANGE this call also sends them. Returns the
// flush-round id for diagnostic correlation only -- it never appears on
// the wire.
func (m *Manager) HandleJoin(newID wire.ProcessID, newIP string, pending []PendingMessage, send Sender) uuid.UUID {
	if !m.isCoordinator {
		log.Printf("membership: ignoring JOIN at non-coordinator")
		return uuid.Nil
	}
	round := uuid.New()
	m.InProgress = true
	m.flushComplete = make(map[wire.ProcessID]struct{})
	m.NewView = append(append(View{}, m.Current...), Peer{IP: newIP, ID: newID})

	vc := wire.ViewChange{Origin: m.selfID, Members: m.NewView.toWireMembers()}
	for _, peer := range m.Current {
		_ = send.SendUnicast(peer.IP, vc)
		for _, msg := range pending {
			_ = send.SendUnicast(peer.IP, wire.Msg{Seq: msg.Seq, Sender: msg.Sender, Content: msg.Content})
		}
		_ = send.SendUnicast(peer.IP, wire.Flush{Sender: m.selfID})
	}
	// The joiner only receives the VIEW_CHANGE in this phase -- it has
	// nothing pending to flush into, and is not yet a current member.
	_ = send.SendUnicast(newIP, vc)
	log.Printf("membership: coordinator admitting peer %d (%s), round %s", newID, newIP, round)
	return round
}

// HandleViewChange runs a follower's (or a re-issuing follower's) response
// to an inbound VIEW_CHANGE. If this is the process's first view (current
// view empty), it adopts the new view immediately -- nothing could have
// been pending in a view that never existed. Otherwise it enters the flush
// round: re-forward pending messages to every member of the *old*
// (current) view (open question: old view, not new), then send a single
// FLUSH(self_id) to the coordinator -- the sole collector of the
// flush-complete set -- to report this process's own flush completion.
func (m *Manager) HandleViewChange(vc wire.ViewChange, pending []PendingMessage, send Sender) (installedImmediately bool) {
	m.InProgress = true
	m.NewView = fromWireMembers(vc.Members)

	if len(m.Current) == 0 {
		m.Current = m.NewView
		m.InProgress = false
		log.Printf("membership: adopted first view %v with no flush required", m.Current)
		return true
	}

	for _, peer := range m.Current {
		for _, msg := range pending {
			_ = send.SendUnicast(peer.IP, wire.Msg{Seq: msg.Seq, Sender: msg.Sender, Content: msg.Content})
		}
	}
	// FLUSH always reports completion to the coordinator, the sole
	// collector of the flush-complete set -- never to every old-view peer.
	if addr, ok := m.NewView.AddrOf(vc.Origin); ok {
		_ = send.SendUnicast(addr, wire.Flush{Sender: m.selfID})
	}
	return false
}

// HandleFlush is the coordinator-only FLUSH collector. Once every current
// member has FLUSHed, it clears state, adopts the new view, and returns
// true so the caller (engine) knows to clear pending/acked and broadcast
// INSTALL_VIEW.
func (m *Manager) HandleFlush(f wire.Flush) (shouldInstall bool) {
	if !m.isCoordinator {
		log.Printf("membership: ignoring FLUSH at non-coordinator")
		return false
	}
	if !m.strictFlush || m.Current.Contains(f.Sender) {
		m.flushComplete[f.Sender] = struct{}{}
	} else {
		log.Printf("membership: rejecting FLUSH from non-member %d (strict mode)", f.Sender)
		return false
	}
	if len(m.flushComplete) < len(m.Current) {
		return false
	}
	m.flushComplete = make(map[wire.ProcessID]struct{})
	m.Current = m.NewView
	m.InProgress = false
	log.Printf("membership: flush round complete, installing view %v", m.Current)
	return true
}

// HandleInstallView is the follower-only INSTALL_VIEW handler: adopt the
// new view and clear the in-progress flag. The caller is responsible for
// clearing pending/acked -- that state belongs to the broadcast package.
func (m *Manager) HandleInstallView() {
	m.Current = m.NewView
	m.InProgress = false
	log.Printf("membership: installed view %v", m.Current)
}

// EvictAndReform runs the coordinator's failure-induced leave path: given
// the set of peer ids whose TTL just hit zero, remove them from the
// working view, promote it to current immediately, and re-run the
// flush-request sweep against the (new) current view. Returns false (no
// action taken) if dead is empty.
func (m *Manager) EvictAndReform(dead []wire.ProcessID, pending []PendingMessage, send Sender) bool {
	if !m.isCoordinator || len(dead) == 0 {
		return false
	}
	deadSet := make(map[wire.ProcessID]struct{}, len(dead))
	for _, id := range dead {
		deadSet[id] = struct{}{}
		log.Printf("membership: peer %d evicted by failure detector", id)
	}
	next := make(View, 0, len(m.Current))
	for _, p := range m.Current {
		if _, gone := deadSet[p.ID]; !gone {
			next = append(next, p)
		}
	}
	m.NewView = next
	m.Current = next
	m.InProgress = true
	m.flushComplete = make(map[wire.ProcessID]struct{})

	vc := wire.ViewChange{Origin: m.selfID, Members: m.Current.toWireMembers()}
	for _, peer := range m.Current {
		_ = send.SendUnicast(peer.IP, vc)
		for _, msg := range pending {
			_ = send.SendUnicast(peer.IP, wire.Msg{Seq: msg.Seq, Sender: msg.Sender, Content: msg.Content})
		}
		_ = send.SendUnicast(peer.IP, wire.Flush{Sender: m.selfID})
	}
	return true
}
