// Package main implements the STaRS peer, the single binary every
// participant in the overlay runs. Torua ships two binaries because its
// architecture is centralized (a coordinator and its nodes); STaRS peers are
// symmetric — every one of them is simultaneously a submitter, an executor
// and an internal dispatcher (§1) — so cmd/peer merges what would have been
// torua's cmd/coordinator and cmd/node into one process that wires
// config -> overlay -> transport -> the single-threaded peer event loop.
//
// Configuration:
//   - STARS_CONFIG: path to a TOML file with the §6 named options (optional;
//     internal/config.Default() covers every field if omitted)
//   - STARS_SELF_ADDR: this peer's own address, host:port form (required)
//   - STARS_FATHER_ADDR: this peer's father's address (omit for the root)
//   - STARS_LEFT_ADDR / STARS_LEFT_LEAF: left child address and whether it
//     is itself an execution leaf (omit STARS_LEFT_ADDR for none)
//   - STARS_RIGHT_ADDR / STARS_RIGHT_LEAF: same, for the right child
//   - STARS_IS_LEAF: whether this peer itself is an execution leaf (a peer
//     with neither child configured defaults to true)
//
// A peer with no children is an execution leaf; one with at least one child
// is an internal dispatcher node; one with no father is the overlay's root.
// The tree-construction and repair protocol that would normally discover
// and maintain this topology is out of scope (§1) — cmd/peer takes a fixed
// topology from the environment instead, the way a single-process demo or
// a test deployment would.
//
// Example usage:
//
//	STARS_SELF_ADDR=127.0.0.1:9001 \
//	STARS_FATHER_ADDR=127.0.0.1:9000 \
//	./peer
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/jcelaya/stars/internal/address"
	"github.com/jcelaya/stars/internal/config"
	"github.com/jcelaya/stars/internal/dispatcher"
	"github.com/jcelaya/stars/internal/overlay"
	"github.com/jcelaya/stars/internal/peer"
	"github.com/jcelaya/stars/internal/submission"
	"github.com/jcelaya/stars/internal/transport"
	"github.com/jcelaya/stars/internal/zone"
)

// logFatal is a variable so test code can intercept a fatal configuration
// error without actually terminating the test process.
var logFatal = log.Fatalf

func main() {
	cfg, err := config.Load(getenv("STARS_CONFIG", ""))
	if err != nil {
		logFatal("config: %v", err)
	}

	selfAddr := mustParseAddr(mustGetenv("STARS_SELF_ADDR"), cfg.Port)

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "stars",
		Level: hclog.Info,
	})

	topo, leftZone, rightZone := buildTopology(log, selfAddr)

	sender := transport.NewTCP(log, fullListenAddr(selfAddr), selfAddr.Port)
	if err := sender.Listen(); err != nil {
		logFatal("transport: %v", err)
	}
	defer sender.Close()

	pcfg := peerConfig(cfg, selfAddr, leftZone, rightZone)

	var store submission.Store
	if cfg.PersistPath != "" {
		fs := submission.NewFileStore(cfg.PersistPath)
		snap, err := fs.Load()
		if err != nil {
			logFatal("persistence: %v", err)
		}
		pcfg.Bookkeeping = snap
		store = fs
	}

	p := peer.New(log, topo.View(selfAddr), pcfg, sender, sender.Inbound())

	log.Info("peer starting", "self", selfAddr, "leaf", topo.View(selfAddr).IsLeaf(), "root", topo.View(selfAddr).IsRoot())

	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("shutdown signal received")
		cancel()
	}()

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("peer loop exited", "err", err)
	}

	if store != nil {
		if err := store.Save(p.BookkeepingSnapshot()); err != nil {
			log.Error("could not persist submitter bookkeeping", "err", err)
		}
	}
	log.Info("peer stopped")
}

// peerConfig maps the TOML-sourced config.Config onto peer.Config, filling
// in the policy-specific dispatcher tunables and the zones the overlay
// topology carries for distance tie-breaks.
func peerConfig(cfg config.Config, self address.Address, leftZone, rightZone zone.Description) peer.Config {
	dcfg := dispatcher.DefaultConfig(cfg.Policy)
	dcfg.MMBeta = cfg.MMPBeta
	dcfg.FSPBeta = cfg.SlownessRatio
	dcfg.AggregationClusters = cfg.AggregationClusters

	return peer.Config{
		Self:        self,
		Dispatcher:  dcfg,
		LeftZone:    leftZone,
		RightZone:   rightZone,
		AvailMemory: cfg.AvailMemory,
		AvailDisk:   cfg.AvailDisk,
		Power:       cfg.Power,

		SlownessSlope:   1.0,
		DeadlineHorizon: 300,

		Heartbeat:   cfg.Heartbeat,
		DeadAfter:   3 * cfg.Heartbeat,
		SendTimeout: 5 * time.Second,

		Retry: submission.RetryPolicy{
			MaxRetries:     cfg.SubmitRetries,
			TimeoutGrowth:  2.0,
			BaseReqTimeout: cfg.RequestTimeout,
		},

		PublishBandwidth: cfg.UpdateBandwidth,
		PublishBurst:     int(cfg.UpdateBandwidth),
		PublishThreshold: 0.05,
	}
}

// buildTopology wires a fixed overlay.StaticTree from the environment,
// since the tree-construction and repair protocol is out of scope (§1) — a
// real deployment's overlay adapter would instead discover and maintain
// this; a static topology is all a single fixed-position peer needs to
// exercise the rest of the system. Returns the zones the dispatcher should
// use for its two children, defaulting an interior child's zone to its own
// singleton address when no wider subtree zone was supplied (a limitation
// of having only the repair protocol's contract and not its implementation:
// see DESIGN.md).
func buildTopology(log hclog.Logger, self address.Address) (*overlay.StaticTree, zone.Description, zone.Description) {
	tree := overlay.NewStaticTree()

	leafDefault := ""
	if getenv("STARS_LEFT_ADDR", "") == "" && getenv("STARS_RIGHT_ADDR", "") == "" {
		leafDefault = "true"
	}
	isLeaf := getenv("STARS_IS_LEAF", leafDefault) == "true"

	if fatherStr := getenv("STARS_FATHER_ADDR", ""); fatherStr != "" {
		father := mustParseAddr(fatherStr, 0)
		tree.AddEdge(father, overlay.Left, self, isLeaf)
	} else if !isLeaf {
		// A root explicitly declared as not a leaf is still a valid,
		// if degenerate, single-node deployment (§5's fallback).
	}
	if isLeaf {
		tree.LeafNodes[self] = true
	}

	var leftZone, rightZone zone.Description
	if leftStr := getenv("STARS_LEFT_ADDR", ""); leftStr != "" {
		left := mustParseAddr(leftStr, 0)
		leftIsLeaf := getenv("STARS_LEFT_LEAF", "") == "true"
		tree.AddEdge(self, overlay.Left, left, leftIsLeaf)
		leftZone = zone.Leaf(left)
		if !leftIsLeaf {
			log.Warn("left child is not a leaf but no subtree zone was supplied; defaulting to its own address", "left", left)
		}
	}
	if rightStr := getenv("STARS_RIGHT_ADDR", ""); rightStr != "" {
		right := mustParseAddr(rightStr, 0)
		rightIsLeaf := getenv("STARS_RIGHT_LEAF", "") == "true"
		tree.AddEdge(self, overlay.Right, right, rightIsLeaf)
		rightZone = zone.Leaf(right)
		if !rightIsLeaf {
			log.Warn("right child is not a leaf but no subtree zone was supplied; defaulting to its own address", "right", right)
		}
	}

	return tree, leftZone, rightZone
}

func fullListenAddr(a address.Address) string {
	return a.IP.String() + ":" + strconv.Itoa(int(a.Port))
}

func mustParseAddr(hostport string, defaultPort uint16) address.Address {
	host, portStr, err := splitHostPort(hostport)
	if err != nil {
		logFatal("invalid address %q: %v", hostport, err)
	}
	port := defaultPort
	if portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			logFatal("invalid port in %q: %v", hostport, err)
		}
		port = uint16(p)
	}
	a, err := address.New(host, port)
	if err != nil {
		logFatal("invalid address %q: %v", hostport, err)
	}
	return a
}

// splitHostPort is net.SplitHostPort with a relaxed contract: a missing
// port is not an error, since a father/child address occasionally comes
// from a config field that already carries the port separately (cfg.Port).
func splitHostPort(hostport string) (host, port string, err error) {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return hostport[:i], hostport[i+1:], nil
		}
	}
	return hostport, "", nil
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv retrieves a required environment variable, terminating the
// program if it is not set.
func mustGetenv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		logFatal("missing required env %s", k)
	}
	return v
}
