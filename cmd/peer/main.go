package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/sushantsondhi/reliable-bcast/broadcast"
	"github.com/sushantsondhi/reliable-bcast/engine"
	"github.com/sushantsondhi/reliable-bcast/netutil"
	"github.com/sushantsondhi/reliable-bcast/transport"
	"github.com/sushantsondhi/reliable-bcast/wire"
)

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Printf("usage: %s <process-id> [flags]\n", os.Args[0])
		os.Exit(2)
	}

	flagset := flag.NewFlagSet("peer", flag.ExitOnError)
	port := flagset.Int("port", 9411, "UDP port shared by every peer")
	iface := flagset.String("iface", "", "network interface to discover this peer's address on (default: first non-loopback)")
	tick := flagset.Int("tick", 3, "heartbeat/TTL tick interval, in seconds")
	ttl := flagset.Int("ttl", 3, "TTL ceiling, in ticks, before a silent peer is evicted")
	strict := flagset.Bool("strict-flush", false, "reject FLUSH from a peer outside the current view")
	if err := flagset.Parse(args[1:]); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Printf("invalid process id %q: %v\n", args[0], err)
		os.Exit(2)
	}

	selfIP, err := netutil.LocalIPv4(*iface)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	tr, err := transport.New(*port, selfIP)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	cfg := engine.Config{
		TickInterval: time.Duration(*tick) * time.Second,
		TTLCeiling:   *ttl,
		StrictFlush:  *strict,
	}
	e := engine.New(wire.ProcessID(pid), selfIP, tr, cfg, broadcast.StdoutDeliverer{})
	e.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		fmt.Println("shutting down...")
		if err := e.Stop(); err != nil {
			fmt.Println(err)
		}
		os.Exit(0)
	}()

	// A minimal line-oriented front-end: every line of stdin is submitted
	// as a broadcast message. Richer input handling (editing, history,
	// fault-injection commands) is the out-of-scope interactive front-end
	// named in spec.md -- this loop exists only so the binary is runnable
	// end-to-end, not as the specified surface itself.
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		e.Submit(line)
	}
}
