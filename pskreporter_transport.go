package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// TransportKind selects connectionless or connection-oriented reporting
type TransportKind int

const (
	TransportUDP TransportKind = iota
	TransportTCP
)

func (k TransportKind) String() string {
	if k == TransportTCP {
		return "tcp"
	}
	return "udp"
}

func transportKindFor(useTCP bool) TransportKind {
	if useTCP {
		return TransportTCP
	}
	return TransportUDP
}

// Transport is the single owned socket of a reporter
type Transport interface {
	Kind() TransportKind
	Send(msg []byte) error
	Close() error
	RemoteAddr() string
}

// dialFunc and lookupFunc allow tests to replace the network
type (
	dialFunc   func(ctx context.Context, network, address string) (net.Conn, error)
	lookupFunc func(ctx context.Context, host string) ([]string, error)
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

func defaultDial(ctx context.Context, network, address string) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	return d.DialContext(ctx, network, address)
}

// connTransport wraps a connected net.Conn. For UDP the socket is
// pseudo-connected so plain writes go to the collector.
type connTransport struct {
	kind TransportKind
	conn net.Conn
}

func newConnTransport(kind TransportKind, conn net.Conn) *connTransport {
	return &connTransport{kind: kind, conn: conn}
}

func (t *connTransport) Kind() TransportKind {
	return t.kind
}

func (t *connTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *connTransport) Send(msg []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return newTransportError("set deadline", err)
	}
	if _, err := t.conn.Write(msg); err != nil {
		return newTransportError("write", err)
	}
	return nil
}

func (t *connTransport) Close() error {
	if tc, ok := t.conn.(*net.TCPConn); ok {
		// Let queued bytes drain before the FIN
		tc.CloseWrite()
	}
	return t.conn.Close()
}

// watch reads from a TCP connection until it fails. The collector never
// sends anything, so any read result means the session is over.
func (t *connTransport) watch(closed func(error)) {
	if t.kind != TransportTCP {
		return
	}
	go func() {
		buf := make([]byte, 512)
		for {
			if _, err := t.conn.Read(buf); err != nil {
				closed(newTransportError("read", err))
				return
			}
		}
	}()
}

// errorClass is the triage outcome for a socket error
type errorClass int

const (
	errorTransient errorClass = iota
	errorRemoteClosed
	errorFatal
)

func (c errorClass) String() string {
	switch c {
	case errorTransient:
		return "transient"
	case errorRemoteClosed:
		return "remote_closed"
	case errorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// TransportError wraps a socket error with its classification
type TransportError struct {
	Class errorClass
	Op    string
	Err   error
}

func newTransportError(op string, err error) *TransportError {
	return &TransportError{Class: classifyTransportError(err), Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("PSKReporter %s failed (%s): %v", e.Op, e.Class, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// classifyTransportError decides how a socket error is handled: a closed
// peer triggers a reconnect, transient conditions are ignored and anything
// else is fatal for the queued spots.
func classifyTransportError(err error) errorClass {
	if err == nil {
		return errorTransient
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Class
	}

	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, unix.ECONNRESET),
		errors.Is(err, unix.ECONNABORTED),
		errors.Is(err, unix.ECONNREFUSED),
		errors.Is(err, unix.EPIPE):
		return errorRemoteClosed
	case errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, unix.EAGAIN),
		errors.Is(err, unix.ENOBUFS),
		errors.Is(err, unix.EINTR):
		return errorTransient
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errorTransient
	}
	return errorFatal
}
