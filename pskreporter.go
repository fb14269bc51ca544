package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PSKReporter service endpoint and timing defaults
const (
	PSKReporterHost               = "report.pskreporter.info"
	PSKReporterPort               = 4739
	PSKReporterMaxQueueSize       = 10000
	PSKReporterReportInterval     = 15 * time.Second
	PSKReporterPingInterval       = 5 * time.Minute
	PSKReporterDescriptorInterval = time.Hour

	pskReporterCommandBuffer = 4096
	pskReporterErrorBuffer   = 16
	pskReporterShutdownGrace = 5 * time.Second
	pskReporterStopTimeout   = 10 * time.Second
)

var (
	ErrReporterStopped = errors.New("PSKReporter not running")
	ErrQueueFull       = errors.New("PSKReporter queue full")
	ErrNoCallsign      = errors.New("decode has no callsign")
)

// ReporterStatus is a snapshot of the reporter published after every event
type ReporterStatus struct {
	State                string       `json:"state"`
	Transport            string       `json:"transport"`
	RemoteAddr           string       `json:"remote_addr,omitempty"`
	QueueLength          int          `json:"queue_length"`
	CacheEntries         int          `json:"cache_entries"`
	DescriptorsRemaining int          `json:"descriptors_remaining"`
	LastSend             time.Time    `json:"last_send"`
	MessagesSent         int64        `json:"messages_sent"`
	SpotsSent            int64        `json:"spots_sent"`
	SpotsDropped         int64        `json:"spots_dropped"`
	Errors               int64        `json:"errors"`
	Station              LocalStation `json:"station"`
}

// PSKReporter reports spots to the PSK Reporter collector. Public methods
// never block on the network: they post work to a single event loop which
// owns the queue, the batch assembler and the transport.
type PSKReporter struct {
	config    PSKReporterConfig
	cache     *SpotCache
	analytics *PSKReporterAnalytics
	metrics   *ReporterMetrics

	// Owned by the event loop
	station   LocalStation
	queue     spotQueue
	assembler *batchAssembler
	conn      *connectionManager
	closing   bool
	finished  bool

	// Counters, also only touched by the loop
	messagesSent int64
	spotsSent    int64
	spotsDropped int64
	errorCount   int64
	lastSend     time.Time

	cmds       chan func()
	shutdownCh chan struct{}
	errs       chan error
	stopCh     chan struct{}
	done       chan struct{}

	started  atomic.Bool
	stopping atomic.Bool

	spotHandlers   []func(Spot)
	spotHandlersMu sync.RWMutex

	status   ReporterStatus
	statusMu sync.RWMutex

	now func() time.Time
}

// NewPSKReporter creates a reporter for the given configuration. Call
// Connect to start it.
func NewPSKReporter(config PSKReporterConfig, programName string, metrics *ReporterMetrics) (*PSKReporter, error) {
	config.applyDefaults()
	if config.Callsign == "" || config.Locator == "" || programName == "" {
		return nil, fmt.Errorf("callsign, locator, and program name are required")
	}

	events, err := LoadEventCalendar(config.EventDatesFile)
	if err != nil {
		// The bypass is optional, a broken file only disables it
		log.Printf("Warning: PSKReporter: %v", err)
	}

	id := uuid.New()
	assembler := newBatchAssembler(binary.BigEndian.Uint32(id[:4]), programName)
	assembler.flushInterval = config.FlushIntervalCycles
	assembler.minPayload = config.MinPayloadBytes
	assembler.maxPayload = config.MaxPayloadBytes

	r := &PSKReporter{
		config:     config,
		cache:      NewSpotCache(time.Duration(config.CacheTTLSecs)*time.Second, config.BypassFrequencyHz, events),
		analytics:  NewPSKReporterAnalytics(),
		metrics:    metrics,
		station:    LocalStation{Callsign: config.Callsign, Grid: config.Locator, Antenna: config.Antenna},
		assembler:  assembler,
		conn:       newConnectionManager(config.Host, config.Port, transportKindFor(config.UseTCP)),
		cmds:       make(chan func(), pskReporterCommandBuffer),
		shutdownCh: make(chan struct{}, 1),
		errs:       make(chan error, pskReporterErrorBuffer),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		now:        time.Now,
	}
	r.assembler.now = func() time.Time { return r.now() }
	r.publishStatus()
	return r, nil
}

// Connect starts the event loop and the first connection attempt
func (r *PSKReporter) Connect() error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("PSKReporter already running")
	}
	kind := r.conn.kind
	log.Printf("PSKReporter: Started (%s to %s:%d, observation id %08x)",
		kind, r.config.Host, r.config.Port, r.assembler.observationID)
	go r.run()
	r.post(r.ensureConnection)
	return nil
}

// OnSpot registers a handler called for every accepted spot
func (r *PSKReporter) OnSpot(handler func(Spot)) {
	r.spotHandlersMu.Lock()
	defer r.spotHandlersMu.Unlock()
	r.spotHandlers = append(r.spotHandlers, handler)
}

// Errors delivers unrecoverable transport and resolution errors
func (r *PSKReporter) Errors() <-chan error {
	return r.errs
}

// SetLocalStation changes the receiver identity used in subsequently
// transmitted receiver records. It does not trigger a send.
func (r *PSKReporter) SetLocalStation(callsign, grid, antenna string) {
	station := LocalStation{Callsign: callsign, Grid: grid, Antenna: antenna}
	r.post(func() {
		if station != r.station {
			log.Printf("PSKReporter: Local station now %s %s", station.Callsign, station.Grid)
			r.station = station
		}
	})
}

// SetEventCalendar replaces the dates around which repeat suppression
// is switched off
func (r *PSKReporter) SetEventCalendar(events *EventCalendar) {
	r.cache.SetEvents(events)
	log.Printf("PSKReporter: %d event dates loaded", events.Len())
}

// SetTransport switches between TCP and UDP. A live connection is flushed
// and closed before the new one is opened.
func (r *PSKReporter) SetTransport(useTCP bool) {
	kind := transportKindFor(useTCP)
	r.post(func() {
		if kind == r.conn.kind || r.closing {
			return
		}
		log.Printf("PSKReporter: Switching transport %s -> %s", r.conn.kind, kind)
		if r.conn.connected() {
			r.flush(true)
		}
		r.conn.close()
		r.conn.open(kind)
		r.metrics.RecordReconnect("transport_change")
	})
}

// AddRemoteStation submits an observation. It returns whether the spot was
// handed to the event loop; suppressed repeats, a full command buffer and
// submissions after shutdown return false. A spot the loop then finds no
// room for is counted as dropped and its callsign is not suppressed.
func (r *PSKReporter) AddRemoteStation(callsign, grid string, frequency uint64, mode string, snr int) bool {
	queued, _ := r.addRemoteStation(callsign, grid, frequency, mode, snr)
	return queued
}

func (r *PSKReporter) addRemoteStation(callsign, grid string, frequency uint64, mode string, snr int) (bool, error) {
	if !r.started.Load() || r.stopping.Load() {
		return false, ErrReporterStopped
	}

	now := r.now().UTC()
	release, ok := r.cache.Reserve(callsign, frequency, now)
	if !ok {
		r.metrics.RecordSpot("suppressed")
		return false, nil
	}

	spot := Spot{
		Callsign:  callsign,
		Grid:      grid,
		SNR:       clampSNR(snr),
		Frequency: frequency,
		Mode:      mode,
		Timestamp: now,
	}
	if !r.post(func() { r.enqueue(spot, release) }) {
		release()
		r.metrics.RecordSpot("dropped")
		return false, ErrQueueFull
	}
	return true, nil
}

func (r *PSKReporter) notifySpot(spot Spot) {
	r.spotHandlersMu.RLock()
	handlers := r.spotHandlers
	r.spotHandlersMu.RUnlock()
	for _, handler := range handlers {
		go handler(spot)
	}
}

// Submit adapts a decoder result to AddRemoteStation. Hashed callsigns are
// skipped, WSPR spots always need a locator and other modes need one when
// require_locator is set.
func (r *PSKReporter) Submit(decode *DecodeInfo) error {
	if decode == nil || !decode.HasCallsign || decode.Callsign == "" {
		return ErrNoCallsign
	}
	if strings.HasPrefix(decode.Callsign, "<") {
		return nil
	}
	if (decode.IsWSPR || r.config.RequireLocator) && !decode.HasLocator {
		return nil
	}

	grid := ""
	if decode.HasLocator {
		grid = decode.Locator
	}

	sent, err := r.addRemoteStation(decode.Callsign, grid, decode.Frequency, decode.Mode, decode.SNR)
	if errors.Is(err, ErrReporterStopped) {
		return err
	}
	r.analytics.RecordSubmission(PSKReporterSubmission{
		Callsign:  decode.Callsign,
		Locator:   grid,
		SNR:       decode.SNR,
		Frequency: decode.Frequency,
		Timestamp: r.now(),
		Mode:      decode.Mode,
		Sent:      sent,
	})
	return err
}

// SendReport forces a flush cycle. With last set the reporter also stops
// its timers and closes the transport afterwards; spots submitted after
// that point are dropped.
func (r *PSKReporter) SendReport(last bool) {
	if !r.started.Load() {
		return
	}
	if last {
		if r.stopping.CompareAndSwap(false, true) {
			r.shutdownCh <- struct{}{}
		}
		return
	}
	r.post(func() { r.reportCycle(true, false) })
}

// Stop flushes what is queued, closes the transport and waits for the
// event loop to exit
func (r *PSKReporter) Stop() {
	if !r.started.Load() {
		return
	}
	log.Println("PSKReporter: Stopping...")
	r.SendReport(true)

	select {
	case <-r.done:
	case <-time.After(pskReporterStopTimeout):
		log.Println("PSKReporter: Timed out waiting for shutdown")
		return
	}

	st := r.Status()
	log.Printf("PSKReporter: Messages sent: %d, Spots sent: %d, Spots dropped: %d, Errors: %d",
		st.MessagesSent, st.SpotsSent, st.SpotsDropped, st.Errors)
	log.Println("PSKReporter: Stopped")
}

// Status returns the latest snapshot
func (r *PSKReporter) Status() ReporterStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

// Analytics returns the submission history tracker
func (r *PSKReporter) Analytics() *PSKReporterAnalytics {
	return r.analytics
}

// post hands fn to the event loop without blocking
func (r *PSKReporter) post(fn func()) bool {
	select {
	case r.cmds <- fn:
		return true
	default:
		return false
	}
}

func (r *PSKReporter) run() {
	defer close(r.done)

	reportTicker := time.NewTicker(r.config.reportInterval())
	defer reportTicker.Stop()
	descriptorTicker := time.NewTicker(r.config.descriptorInterval())
	defer descriptorTicker.Stop()
	pingTicker := time.NewTicker(r.config.pingInterval())
	defer pingTicker.Stop()

	var graceTimer <-chan time.Time

	for {
		select {
		case fn := <-r.cmds:
			fn()
		case res := <-r.conn.results:
			r.handleConnResult(res)
		case ev := <-r.conn.closed:
			r.handleClosed(ev)
		case <-reportTicker.C:
			r.reportCycle(false, true)
		case <-descriptorTicker.C:
			if r.conn.connected() {
				r.assembler.templates.refresh(r.conn.transport.Kind())
			}
		case <-pingTicker.C:
			r.ping()
		case <-r.shutdownCh:
			r.drainCommands()
			r.closing = true
			if r.conn.state == StateDisconnected && r.queue.Len() > 0 {
				// One last attempt after an earlier failed dial
				r.conn.open(r.conn.kind)
			}
			if r.conn.state == StateConnecting {
				// Give the pending connection a chance so queued spots go out
				graceTimer = time.After(pskReporterShutdownGrace)
			} else {
				r.finishShutdown()
			}
		case <-graceTimer:
			r.finishShutdown()
		case <-r.stopCh:
			return
		}
		r.publishStatus()
	}
}

// drainCommands runs whatever was posted before shutdown was requested
func (r *PSKReporter) drainCommands() {
	for {
		select {
		case fn := <-r.cmds:
			fn()
		default:
			return
		}
	}
}

// ensureConnection opens a transport if there is none
func (r *PSKReporter) ensureConnection() {
	if r.closing || r.conn.state != StateDisconnected {
		return
	}
	r.conn.open(r.conn.kind)
}

// enqueue queues spot on the loop. Only a queued spot counts as accepted
// and keeps its callsign suppressed.
func (r *PSKReporter) enqueue(spot Spot, release func()) {
	if r.queue.Len() >= r.config.QueueSize {
		release()
		r.spotsDropped++
		r.metrics.RecordSpot("dropped")
		if DebugMode {
			log.Printf("DEBUG: PSKReporter: queue full, dropping %s", spot.Callsign)
		}
		return
	}
	r.queue.push(spot)
	r.metrics.RecordSpot("accepted")
	r.notifySpot(spot)
	r.ensureConnection()
}

// reportCycle runs one batch cycle. scheduled cycles count toward the
// periodic forced flush.
func (r *PSKReporter) reportCycle(flush, scheduled bool) {
	if scheduled && r.assembler.tick() {
		flush = true
	}
	r.ensureConnection()
	if !r.conn.connected() {
		return
	}
	r.flush(flush)
}

func (r *PSKReporter) flush(force bool) {
	queued := r.queue.Len()
	if _, err := r.assembler.cycle(&r.queue, r.station, force, r.send); err != nil {
		r.handleTransportError(err)
		return
	}
	r.spotsSent += int64(queued - r.queue.Len())
}

// send writes one message. Transient errors are swallowed so the cycle
// continues; anything else aborts it.
func (r *PSKReporter) send(msg []byte) error {
	if !r.conn.connected() {
		return newTransportError("write", ErrReporterStopped)
	}
	kind := r.conn.transport.Kind()
	if err := r.conn.transport.Send(msg); err != nil {
		if classifyTransportError(err) == errorTransient {
			r.metrics.RecordSendError(errorTransient.String())
			if DebugMode {
				log.Printf("DEBUG: PSKReporter: transient send error: %v", err)
			}
			return nil
		}
		return err
	}

	r.messagesSent++
	r.lastSend = r.now()
	r.metrics.RecordMessage(kind.String(), len(msg))
	RecordPSKReporterSend()
	if DebugMode {
		log.Printf("DEBUG: PSKReporter: sent %d bytes over %s", len(msg), kind)
	}
	return nil
}

func (r *PSKReporter) ping() {
	if !r.conn.connected() || r.closing {
		return
	}
	if err := r.send(r.assembler.ping(r.station)); err != nil {
		r.handleTransportError(err)
	}
}

// handleTransportError triages a socket error. A closed peer leads to a
// reconnect on the next cycle; other errors discard the pending spots and
// are reported to the application.
func (r *PSKReporter) handleTransportError(err error) {
	class := classifyTransportError(err)
	r.metrics.RecordSendError(class.String())

	switch class {
	case errorTransient:
		return
	case errorRemoteClosed:
		log.Printf("PSKReporter: Connection closed by collector: %v", err)
		r.conn.close()
		r.metrics.RecordReconnect("remote_closed")
	default:
		log.Printf("PSKReporter: Transport error, discarding queued spots: %v", err)
		r.conn.close()
		r.dropPending()
		r.surface(err)
	}
}

func (r *PSKReporter) handleClosed(ev transportClosed) {
	if !r.conn.current(ev.transport) {
		return
	}
	r.handleTransportError(ev.err)
}

func (r *PSKReporter) handleConnResult(res connResult) {
	stale, err := r.conn.complete(res)
	if stale {
		return
	}

	if err != nil {
		var re *ResolveError
		if errors.As(err, &re) || classifyTransportError(err) == errorFatal {
			log.Printf("PSKReporter: Connection failed, discarding queued spots: %v", err)
			r.dropPending()
			r.surface(err)
		} else {
			log.Printf("PSKReporter: Connection attempt failed, will retry: %v", err)
		}
		if r.closing {
			r.finishShutdown()
		}
		return
	}

	r.assembler.templates.reset(r.conn.transport.Kind())
	log.Printf("PSKReporter: Connected to %s over %s", r.conn.remoteAddr(), r.conn.transport.Kind())

	if r.closing {
		r.finishShutdown()
		return
	}
	if r.queue.Len() > 0 {
		r.flush(false)
	}
}

// finishShutdown drains the queue with a forced flush, closes the
// transport and ends the loop
func (r *PSKReporter) finishShutdown() {
	if r.finished {
		return
	}
	r.finished = true

	if r.conn.connected() {
		r.flush(true)
	}
	r.conn.close()
	if n := r.queue.Len(); n > 0 {
		r.spotsDropped += int64(n)
		r.queue.clear()
	}
	r.assembler.discard()
	close(r.stopCh)
}

func (r *PSKReporter) dropPending() {
	n := r.queue.Len()
	r.queue.clear()
	r.assembler.discard()
	r.spotsDropped += int64(n)
}

// surface delivers err on the error channel, dropping the oldest error if
// the application is not keeping up
func (r *PSKReporter) surface(err error) {
	r.errorCount++
	for {
		select {
		case r.errs <- err:
			return
		default:
		}
		select {
		case <-r.errs:
		default:
		}
	}
}

func (r *PSKReporter) publishStatus() {
	st := ReporterStatus{
		State:                r.conn.state.String(),
		Transport:            r.conn.kind.String(),
		RemoteAddr:           r.conn.remoteAddr(),
		QueueLength:          r.queue.Len(),
		CacheEntries:         r.cache.Len(),
		DescriptorsRemaining: r.assembler.templates.remaining,
		LastSend:             r.lastSend,
		MessagesSent:         r.messagesSent,
		SpotsSent:            r.spotsSent,
		SpotsDropped:         r.spotsDropped,
		Errors:               r.errorCount,
		Station:              r.station,
	}
	r.statusMu.Lock()
	r.status = st
	r.statusMu.Unlock()
	r.metrics.UpdateStatus(st)
}

func clampSNR(snr int) int8 {
	if snr > 127 {
		return 127
	}
	if snr < -128 {
		return -128
	}
	return int8(snr)
}
