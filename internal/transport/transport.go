// Package transport defines the minimal send/recv contract a STaRS peer
// needs from the (out-of-scope, §1) transport layer, plus a reference
// length-delimited TCP implementation good enough to exercise the rest of
// the system end to end in tests and single-process demos.
//
// Grounded on torua's cluster.PostJSON/GetJSON request/response pairing
// (adapted here from JSON-over-HTTP to the binary wire.Envelope framing)
// and on Iris's proto/overlay/messaging.go sender/receiver goroutine-pair
// pattern, reduced to its receiving half: one goroutine per accepted
// connection drains inbound frames and hands them to the peer's single
// event loop, reporting the connection's end or read error through Inbound
// as a Closed event rather than panicking the peer. Sending has no
// goroutine or queue of its own: Send dials, writes and returns any error
// to its caller.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/jcelaya/stars/internal/address"
	"github.com/jcelaya/stars/internal/wire"
)

// Sender is the contract the rest of STaRS needs to hand a message to a
// peer: "send this envelope to that address". There is no reply at this
// layer; a non-nil error means the envelope could not be handed over, and
// the caller decides what to do about it.
type Sender interface {
	Send(ctx context.Context, to address.Address, e wire.Envelope) error
}

// Inbound is one event the transport layer delivers to the peer's input
// queue: either a frame received from a peer, or notice that a
// connection from a peer closed (the peer only logs it; deadNode escalation
// is driven by failed sends and missed heartbeats instead).
type Inbound struct {
	From   address.Address
	Frame  wire.Envelope
	Closed bool
	Err    error
}

// TCP is a reference Sender plus inbound listener built on net.TCPConn and
// internal/wire's length-delimited framing. Connections are short-lived,
// one per outgoing message, matching §5's "shared resource policy":
// network connections are opened, used, and closed on delivery rather than
// pooled.
type TCP struct {
	log        hclog.Logger
	listenAddr string
	self       uint16 // our own listen port, stamped as Envelope.SourcePort

	mu       sync.Mutex
	ln       net.Listener
	inbound  chan Inbound
	dialTime time.Duration
}

// NewTCP creates a TCP transport that will listen on listenAddr (host:port
// form) once Listen is called, stamping selfPort as the source port of
// every outgoing envelope.
func NewTCP(log hclog.Logger, listenAddr string, selfPort uint16) *TCP {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &TCP{
		log:        log.Named("transport"),
		listenAddr: listenAddr,
		self:       selfPort,
		inbound:    make(chan Inbound, 256),
		dialTime:   5 * time.Second,
	}
}

// Inbound returns the channel the peer's event loop reads incoming frames
// and connection-closed notices from.
func (t *TCP) Inbound() <-chan Inbound { return t.inbound }

// Listen starts accepting connections in the background. Call Close to
// stop.
func (t *TCP) Listen() error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", t.listenAddr, err)
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()

	go t.acceptLoop(ln)
	return nil
}

func (t *TCP) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed
		}
		go t.receiver(conn)
	}
}

// receiver reads frames off one inbound connection until it errors or the
// peer closes it, forwarding each to the inbound channel. Grounded on
// Iris's per-peer receiver goroutine: one reader per connection, routing
// decisions left entirely to the consumer of the channel.
func (t *TCP) receiver(conn net.Conn) {
	defer conn.Close()
	remote := peerAddrFromConn(conn)
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			t.deliver(Inbound{From: remote, Closed: true, Err: err})
			return
		}
		from := remote
		from.Port = frame.SourcePort
		t.deliver(Inbound{From: from, Frame: frame})
	}
}

func (t *TCP) deliver(in Inbound) {
	select {
	case t.inbound <- in:
	default:
		t.log.Warn("inbound queue full, dropping event", "from", in.From)
	}
}

func peerAddrFromConn(conn net.Conn) address.Address {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return address.Address{}
	}
	a, err := address.New(host, 0)
	if err != nil {
		return address.Address{}
	}
	return a
}

// Send dials to, writes e as a single frame, and closes the connection: a
// short-lived, one-shot send, per §5. A dial or write failure is reported
// to the caller only; it is the dispatcher/submission layer's job to
// decide whether this escalates to a deadNode call (§7's Transport error
// policy).
func (t *TCP) Send(ctx context.Context, to address.Address, e wire.Envelope) error {
	dialer := net.Dialer{Timeout: t.dialTime}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", to.IP, to.Port))
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", to, err)
	}
	defer conn.Close()

	e.SourcePort = t.self
	if err := wire.WriteFrame(conn, e); err != nil {
		return fmt.Errorf("transport: send to %s: %w", to, err)
	}
	return nil
}

// Close stops accepting new connections.
func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Close()
}
