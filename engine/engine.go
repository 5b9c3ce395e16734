// Package engine composes transport, membership, detector, and broadcast
// under one mutex into the running peer process: one receive loop, one
// timer loop, and the Submit API, exactly the three concurrent
// sub-protocols the core integrates.
package engine

import (
	"log"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/sushantsondhi/reliable-bcast/broadcast"
	"github.com/sushantsondhi/reliable-bcast/detector"
	"github.com/sushantsondhi/reliable-bcast/membership"
	"github.com/sushantsondhi/reliable-bcast/wire"
)

// Transport is the subset of transport.Transport the engine depends on;
// kept as a narrow interface here so tests can supply an in-memory double
// instead of a real socket, mirroring the teacher's common.RPCManager
// seam.
type Transport interface {
	SendUnicast(addr string, p wire.Packet) error
	SendBroadcast(p wire.Packet) error
	Receive() (p wire.Packet, fromAddr string, err error)
	LocalAddr() string
	Close() error
}

// Config carries the tunables spec.md §4.4 calls design values, overridable
// by cmd/peer flags and by tests wanting faster convergence -- the same
// role the teacher's ClusterConfig.ElectionTimeout/HeartBeatTimeout play
// for generateClusterConfig in raft_test.go.
type Config struct {
	TickInterval time.Duration
	TTLCeiling   int
	StrictFlush  bool
}

// DefaultConfig returns the design values from spec.md §4.4.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Duration(detector.DefaultTickInterval) * time.Second,
		TTLCeiling:   detector.DefaultTTLCeiling,
	}
}

// Engine is one running peer: the protocol mutex, the three collaborating
// sub-protocol states, and the transport they all share. Every exported
// method that touches membership/broadcast/detector state acquires Mutex
// first -- the single piece of protocol state the whole system is built
// around.
type Engine struct {
	Mutex sync.Mutex

	SelfID wire.ProcessID
	SelfIP string

	Transport  Transport
	Membership *membership.Manager
	Detector   *detector.Detector
	Broadcast  *broadcast.Engine

	tickInterval time.Duration
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// New constructs an Engine in the stopped state; call Start to launch its
// goroutines and announce this peer to the cluster.
func New(selfID wire.ProcessID, selfIP string, tr Transport, cfg Config, deliver broadcast.Deliverer) *Engine {
	e := &Engine{
		SelfID:       selfID,
		SelfIP:       selfIP,
		Transport:    tr,
		Membership:   membership.New(selfID, selfIP, cfg.StrictFlush),
		Detector:     detector.New(cfg.TTLCeiling),
		Broadcast:    broadcast.New(selfID, deliver),
		tickInterval: cfg.TickInterval,
		stopChan:     make(chan struct{}),
	}
	return e
}

// Start launches the receive loop and timer loop, then (for a
// non-coordinator) sends JOIN to the broadcast address. JOIN is sent after
// the receive loop goroutine is running, not from inside the constructor
// -- a deliberate ordering fix over the race present in the reference
// implementation's constructor-issued JOIN, documented in DESIGN.md.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.receiveLoop()
	go e.timerLoop()

	if !e.Membership.IsCoordinator() {
		join := wire.Join{ID: e.SelfID, IP: e.SelfIP}
		if err := e.Transport.SendBroadcast(join); err != nil {
			log.Printf("engine: failed to broadcast JOIN: %v", err)
		}
	}
	log.Printf("engine: peer %d started at %s", e.SelfID, e.SelfIP)
}

// Submit originates a new broadcast message and returns its sequence
// number.
func (e *Engine) Submit(content string) int64 {
	e.Mutex.Lock()
	defer e.Mutex.Unlock()
	return e.Broadcast.Submit(content, e.targets(), e.Transport)
}

// Stop shuts the engine down: stop the background loops (close stopChan
// and the transport, then wait for both loops to exit), then acquire the
// mutex (never released -- the process is going down), combining any
// teardown error the same way the teacher's RaftServer.Stop combines its
// resource-close errors. The loops take the mutex themselves, so it is
// acquired only after they have exited.
func (e *Engine) Stop() error {
	var transportErr error
	e.stopOnce.Do(func() {
		close(e.stopChan)
		transportErr = e.Transport.Close()
		e.wg.Wait()
		e.Mutex.Lock()
		log.Printf("engine: peer %d shut down", e.SelfID)
	})
	return multierr.Combine(transportErr)
}

// CrashAfterSubmit is the send-and-crash fault-injection hook: submit the
// message, then terminate the process immediately, before any ACKs can be
// processed -- exercising the "sender crashes mid-broadcast" scenario in
// spec.md §8.
func (e *Engine) CrashAfterSubmit(content string) {
	e.Submit(content)
	log.Printf("engine: peer %d crashing after submit (fault injection)", e.SelfID)
	os.Exit(1)
}

// CrashOnReceive is the crash-on-receive fault-injection hook: tears the
// process down the same way Stop does (transport closed out from under
// the receive loop, timer loop halted so no more heartbeats go out),
// simulating an abrupt peer death the failure detector must notice via
// missed heartbeats rather than a clean departure.
func (e *Engine) CrashOnReceive() {
	log.Printf("engine: peer %d simulating crash on receive (fault injection)", e.SelfID)
	_ = e.Stop()
}

func (e *Engine) targets() []broadcast.Target {
	view := e.Membership.Current
	out := make([]broadcast.Target, 0, len(view))
	for _, p := range view {
		out = append(out, broadcast.Target{IP: p.IP, ID: p.ID})
	}
	return out
}

func (e *Engine) pendingForMembership() []membership.PendingMessage {
	snap := e.Broadcast.PendingSnapshot()
	out := make([]membership.PendingMessage, 0, len(snap))
	for _, m := range snap {
		out = append(out, membership.PendingMessage{Seq: m.Seq, Sender: m.Sender, Content: m.Content})
	}
	return out
}

// receiveLoop blocks on Transport.Receive outside the mutex; once a
// packet is available, the entire dispatch runs holding the mutex -- one
// handler per wire tag, generalizing the teacher's one-handler-per-RPC
// pattern.
func (e *Engine) receiveLoop() {
	defer e.wg.Done()
	for {
		p, fromAddr, err := e.Transport.Receive()
		if err != nil {
			select {
			case <-e.stopChan:
				return
			default:
				log.Printf("engine: receive loop exiting on error: %v", err)
				return
			}
		}
		e.Mutex.Lock()
		e.dispatch(p, fromAddr)
		e.Mutex.Unlock()
	}
}

func (e *Engine) dispatch(p wire.Packet, fromAddr string) {
	switch pkt := p.(type) {
	case wire.Join:
		e.onJoin(pkt)
	case wire.Msg:
		e.Broadcast.OnMsg(pkt, e.targets(), e.Transport)
	case wire.Ack:
		e.Broadcast.OnAck(pkt, len(e.Membership.Current))
	case wire.ViewChange:
		e.onViewChange(pkt)
	case wire.Flush:
		e.onFlush(pkt)
	case wire.InstallView:
		if pkt.Origin == e.SelfID {
			return // loopback of our own INSTALL_VIEW; onFlush already installed
		}
		e.Membership.HandleInstallView()
		e.Broadcast.ClearForViewChange()
	case wire.Heartbeat:
		e.onHeartbeat(pkt)
	default:
		log.Printf("engine: received unknown packet type from %s", fromAddr)
	}
}

func (e *Engine) onJoin(j wire.Join) {
	if j.ID == e.SelfID {
		return // self-receive of our own broadcast JOIN
	}
	if !e.Membership.IsCoordinator() {
		return
	}
	e.Membership.HandleJoin(j.ID, j.IP, e.pendingForMembership(), e.Transport)
	e.Detector.Track(j.ID)
}

func (e *Engine) onViewChange(vc wire.ViewChange) {
	if vc.Origin == e.SelfID {
		return
	}
	installed := e.Membership.HandleViewChange(vc, e.pendingForMembership(), e.Transport)
	if installed {
		e.Broadcast.ClearForViewChange()
	}
}

func (e *Engine) onFlush(f wire.Flush) {
	if !e.Membership.IsCoordinator() {
		return
	}
	shouldInstall := e.Membership.HandleFlush(f)
	if !shouldInstall {
		return
	}
	e.Broadcast.ClearForViewChange()
	install := wire.InstallView{Origin: e.SelfID}
	for _, peer := range e.Membership.Current {
		_ = e.Transport.SendUnicast(peer.IP, install)
	}
}

func (e *Engine) onHeartbeat(h wire.Heartbeat) {
	if h.Sender == e.SelfID {
		return
	}
	if e.Membership.IsCoordinator() {
		e.Detector.OnHeartbeat(h.Sender)
	}
}

// timerLoop handles the periodic heartbeat/TTL tick: every peer emits a
// HEART_BEAT, and the coordinator additionally decrements its TTL table
// and drives any failure-induced view change. The loop sleeps outside the
// mutex between ticks and acquires it only while examining or mutating
// shared state, per spec.md §4.5.
func (e *Engine) timerLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.onTick()
		}
	}
}

func (e *Engine) onTick() {
	if err := detector.SendHeartbeat(e.SelfID, e.SelfIP, e.Transport); err != nil {
		log.Printf("engine: failed to send heartbeat: %v", err)
	}

	e.Mutex.Lock()
	defer e.Mutex.Unlock()
	if !e.Membership.IsCoordinator() {
		return
	}
	dead := e.Detector.Tick()
	if len(dead) == 0 {
		return
	}
	e.Membership.EvictAndReform(dead, e.pendingForMembership(), e.Transport)
}
