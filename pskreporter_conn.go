package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
)

// ConnState is the lifecycle state of the reporter's transport
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ResolveError reports a failed host name lookup
type ResolveError struct {
	Host string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("PSKReporter failed to resolve %s: %v", e.Host, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// connResult is posted back to the event loop when an open attempt ends
type connResult struct {
	gen       uint64
	transport Transport
	err       error
}

// transportClosed is posted when a TCP session ends underneath us
type transportClosed struct {
	transport Transport
	err       error
}

// connectionManager owns the transport. All methods run on the reporter's
// event loop; only the resolve/dial task runs elsewhere and reports back
// through results, tagged with the generation it was started for.
type connectionManager struct {
	host string
	port int
	kind TransportKind

	state      ConnState
	transport  Transport
	generation uint64
	cancel     context.CancelFunc

	dial   dialFunc
	lookup lookupFunc

	results chan connResult
	closed  chan transportClosed
}

func newConnectionManager(host string, port int, kind TransportKind) *connectionManager {
	return &connectionManager{
		host:    host,
		port:    port,
		kind:    kind,
		state:   StateDisconnected,
		dial:    defaultDial,
		lookup:  net.DefaultResolver.LookupHost,
		results: make(chan connResult, 4),
		closed:  make(chan transportClosed, 4),
	}
}

// open starts an asynchronous resolve and dial. Any attempt still in
// flight is superseded: its context is cancelled and its result will be
// discarded because the generation has moved on.
func (cm *connectionManager) open(kind TransportKind) {
	cm.abandon()
	cm.kind = kind
	cm.state = StateConnecting

	ctx, cancel := context.WithCancel(context.Background())
	cm.cancel = cancel
	gen := cm.generation

	go func() {
		t, err := cm.connect(ctx, kind)
		select {
		case cm.results <- connResult{gen: gen, transport: t, err: err}:
		case <-ctx.Done():
			if t != nil {
				t.Close()
			}
		}
	}()
}

// connect resolves the collector and dials the first address that answers
func (cm *connectionManager) connect(ctx context.Context, kind TransportKind) (Transport, error) {
	addrs, err := cm.lookup(ctx, cm.host)
	if err != nil {
		return nil, &ResolveError{Host: cm.host, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &ResolveError{Host: cm.host, Err: errors.New("no addresses")}
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := cm.dial(ctx, kind.String(), net.JoinHostPort(addr, strconv.Itoa(cm.port)))
		if err != nil {
			lastErr = err
			continue
		}
		return newConnTransport(kind, conn), nil
	}
	return nil, newTransportError("dial", lastErr)
}

// complete applies an open result. Stale results are closed and reported
// as such so the caller ignores them.
func (cm *connectionManager) complete(res connResult) (stale bool, err error) {
	if res.gen != cm.generation || cm.state != StateConnecting {
		if res.transport != nil {
			res.transport.Close()
		}
		return true, nil
	}

	cm.cancel = nil
	if res.err != nil {
		cm.state = StateDisconnected
		return false, res.err
	}

	cm.transport = res.transport
	cm.state = StateConnected
	if ct, ok := res.transport.(*connTransport); ok {
		t := res.transport
		ct.watch(func(err error) {
			select {
			case cm.closed <- transportClosed{transport: t, err: err}:
			default:
			}
		})
	}
	return false, nil
}

// close shuts the live transport down and cancels any pending open
func (cm *connectionManager) close() {
	cm.abandon()
	if cm.transport != nil {
		cm.state = StateClosing
		if err := cm.transport.Close(); err != nil && DebugMode {
			log.Printf("DEBUG: PSKReporter: close %s transport: %v", cm.transport.Kind(), err)
		}
		cm.transport = nil
	}
	cm.state = StateDisconnected
}

// abandon invalidates any in-flight open attempt
func (cm *connectionManager) abandon() {
	cm.generation++
	if cm.cancel != nil {
		cm.cancel()
		cm.cancel = nil
	}
	if cm.state == StateConnecting {
		cm.state = StateDisconnected
	}
}

func (cm *connectionManager) connected() bool {
	return cm.state == StateConnected && cm.transport != nil
}

// current reports whether t is the live transport
func (cm *connectionManager) current(t Transport) bool {
	return cm.transport != nil && cm.transport == t
}

func (cm *connectionManager) remoteAddr() string {
	if cm.transport == nil {
		return ""
	}
	return cm.transport.RemoteAddr()
}
