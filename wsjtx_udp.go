package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// decodeSink receives what the listener extracts from WSJT-X traffic
type decodeSink interface {
	Submit(decode *DecodeInfo) error
	SetLocalStation(callsign, grid, antenna string)
}

// wsjtxClient is the state kept per WSJT-X instance, keyed by its id
type wsjtxClient struct {
	id       string
	addr     *net.UDPAddr
	schema   uint32
	dialFreq uint64
	mode     string
	deCall   string
	deGrid   string
	lastSeen time.Time
}

// WSJTXListener receives WSJT-X UDP messages and submits decodes
type WSJTXListener struct {
	config  WSJTXUDPConfig
	antenna string
	sink    decodeSink
	metrics *ReporterMetrics

	conn    *net.UDPConn
	clients map[string]*wsjtxClient
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// Statistics
	packets     int64
	decodes     int64
	submitted   int64
	parseErrors int64

	now func() time.Time
}

// NewWSJTXListener creates a listener that forwards to sink. antenna is
// used when the local station follows the WSJT-X status.
func NewWSJTXListener(config WSJTXUDPConfig, antenna string, sink decodeSink, metrics *ReporterMetrics) *WSJTXListener {
	return &WSJTXListener{
		config:  config,
		antenna: antenna,
		sink:    sink,
		metrics: metrics,
		clients: make(map[string]*wsjtxClient),
		now:     time.Now,
	}
}

// setupListenSocket binds the listen address with address reuse so other
// WSJT-X consumers can share the port, and joins the multicast group if
// one is configured
func setupListenSocket(listen, group, ifaceName string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	conn := pc.(*net.UDPConn)

	if group == "" {
		return conn, nil
	}

	var iface *net.Interface
	if ifaceName != "" {
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("multicast interface %s: %w", ifaceName, err)
		}
	}

	if err := ipv4.NewPacketConn(conn).JoinGroup(iface, &net.UDPAddr{IP: net.ParseIP(group)}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to join multicast group %s: %w", group, err)
	}
	return conn, nil
}

// Start binds the socket and starts the receive loop
func (l *WSJTXListener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("WSJT-X UDP listener already running")
	}

	conn, err := setupListenSocket(l.config.Listen, l.config.MulticastGroup, l.config.Interface)
	if err != nil {
		return err
	}
	l.conn = conn
	l.stopCh = make(chan struct{})
	l.running = true

	l.wg.Add(1)
	go l.receiveLoop()

	if l.config.MulticastGroup != "" {
		log.Printf("WSJT-X UDP: Listening on %s (multicast %s)", conn.LocalAddr(), l.config.MulticastGroup)
	} else {
		log.Printf("WSJT-X UDP: Listening on %s", conn.LocalAddr())
	}
	return nil
}

// Addr returns the bound address, nil before Start
func (l *WSJTXListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Stop closes the socket and waits for the receive loop
func (l *WSJTXListener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	l.conn.Close()
	l.mu.Unlock()

	l.wg.Wait()
	log.Printf("WSJT-X UDP: Stopped (packets: %d, decodes: %d, submitted: %d, parse errors: %d)",
		l.packets, l.decodes, l.submitted, l.parseErrors)
}

func (l *WSJTXListener) receiveLoop() {
	defer l.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("WSJT-X UDP: Read error: %v", err)
			continue
		}
		l.handlePacket(buf[:n], addr)
	}
}

// handlePacket processes one datagram. It runs only on the receive loop.
func (l *WSJTXListener) handlePacket(data []byte, addr *net.UDPAddr) {
	l.packets++
	RecordWSJTXPacket()

	msg, err := parseWSJTXMessage(data)
	if err != nil {
		l.parseErrors++
		l.metrics.RecordWSJTXMessage("invalid")
		if DebugMode {
			log.Printf("DEBUG: WSJT-X UDP: Dropping %d byte packet from %s: %v", len(data), addr, err)
		}
		return
	}
	l.metrics.RecordWSJTXMessage(wsjtxTypeName(msg.Type))

	client := l.client(msg, addr)

	switch {
	case msg.Heartbeat != nil:
		l.handleHeartbeat(client, msg.Heartbeat)
	case msg.Status != nil:
		l.handleStatus(client, msg.Status)
	case msg.Decode != nil:
		l.handleDecode(client, msg.Decode)
	case msg.WSPR != nil:
		l.handleWSPRDecode(client, msg.WSPR)
	case msg.Type == wsjtxMsgClose:
		l.mu.Lock()
		delete(l.clients, msg.ID)
		l.mu.Unlock()
		log.Printf("WSJT-X UDP: Client %s closed", msg.ID)
	}
}

func (l *WSJTXListener) client(msg *wsjtxMessage, addr *net.UDPAddr) *wsjtxClient {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[msg.ID]
	if !ok {
		c = &wsjtxClient{id: msg.ID, schema: msg.Schema}
		l.clients[msg.ID] = c
		log.Printf("WSJT-X UDP: New client %s at %s", msg.ID, addr)
	}
	c.addr = addr
	c.lastSeen = l.now()
	return c
}

// handleHeartbeat answers with the schema both sides support
func (l *WSJTXListener) handleHeartbeat(c *wsjtxClient, hb *wsjtxHeartbeat) {
	schema := hb.MaxSchema
	if schema > wsjtxSchemaNumber || schema == 0 {
		schema = wsjtxSchemaNumber
	}
	l.mu.Lock()
	c.schema = schema
	l.mu.Unlock()

	if _, err := l.conn.WriteToUDP(heartbeatMessage(schema, ProgramName), c.addr); err != nil && DebugMode {
		log.Printf("DEBUG: WSJT-X UDP: Heartbeat reply to %s failed: %v", c.addr, err)
	}
}

func (l *WSJTXListener) handleStatus(c *wsjtxClient, st *wsjtxStatus) {
	l.mu.Lock()
	tuned := st.DialFrequency != c.dialFreq || st.Mode != c.mode
	c.dialFreq = st.DialFrequency
	c.mode = st.Mode

	follow := l.config.FollowStation && st.DECall != "" && IsValidMaidenheadLocator(st.DEGrid) &&
		(st.DECall != c.deCall || st.DEGrid != c.deGrid)
	if follow {
		c.deCall = st.DECall
		c.deGrid = st.DEGrid
	}
	l.mu.Unlock()

	if tuned {
		log.Printf("WSJT-X UDP: %s now on %.6f MHz %s", c.id, float64(st.DialFrequency)/1e6, st.Mode)
	}
	if follow {
		l.sink.SetLocalStation(st.DECall, st.DEGrid, l.antenna)
	}
}

func (l *WSJTXListener) handleDecode(c *wsjtxClient, d *wsjtxDecode) {
	if !d.New || d.OffAir {
		return
	}
	if c.dialFreq == 0 {
		if DebugMode {
			log.Printf("DEBUG: WSJT-X UDP: Decode from %s before any status, dial frequency unknown", c.id)
		}
		return
	}

	decode := decodeFromWSJTX(d, c.dialFreq, modeName(c.mode), l.now())
	decode.Source = c.id
	l.submit(decode)
}

func (l *WSJTXListener) handleWSPRDecode(c *wsjtxClient, d *wsjtxWSPRDecode) {
	if !d.New || d.OffAir {
		return
	}
	decode := decodeFromWSPR(d, c.dialFreq, l.now())
	decode.Source = c.id
	l.submit(decode)
}

func (l *WSJTXListener) submit(decode *DecodeInfo) {
	l.decodes++
	if !l.config.modeEnabled(decode.Mode) || !decode.HasCallsign {
		return
	}
	if err := l.sink.Submit(decode); err != nil {
		if !errors.Is(err, ErrReporterStopped) {
			log.Printf("Warning: Failed to submit to PSKReporter: %v", err)
		}
		return
	}
	l.submitted++
	if DebugMode {
		log.Printf("DEBUG: WSJT-X UDP: %s %s %s %d dB %.6f MHz",
			decode.Mode, decode.Callsign, decode.Locator, decode.SNR, float64(decode.Frequency)/1e6)
	}
}

// Clients returns a snapshot of the known WSJT-X instances
func (l *WSJTXListener) Clients() []wsjtxClient {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]wsjtxClient, 0, len(l.clients))
	for _, c := range l.clients {
		out = append(out, *c)
	}
	return out
}
