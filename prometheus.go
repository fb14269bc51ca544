package main

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// ReporterMetrics holds the Prometheus collectors for the reporter. All
// methods are safe to call on a nil receiver.
type ReporterMetrics struct {
	registry *prometheus.Registry

	// Submission outcomes (label: result = accepted, suppressed, dropped)
	spotsTotal *prometheus.CounterVec

	// Transport (label: transport = udp, tcp)
	messagesTotal *prometheus.CounterVec
	bytesTotal    *prometheus.CounterVec
	lastSendTime  prometheus.Gauge

	// Errors by class and reconnects by reason
	sendErrorsTotal *prometheus.CounterVec
	reconnectsTotal *prometheus.CounterVec

	// Snapshot of the event loop
	queueLength          prometheus.Gauge
	cacheEntries         prometheus.Gauge
	descriptorsRemaining prometheus.Gauge
	connectionState      *prometheus.GaugeVec

	// WSJT-X listener
	wsjtxMessagesTotal *prometheus.CounterVec

	// Runtime resources
	goroutineCount   prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memoryHeapBytes  prometheus.Gauge

	// Pushgateway
	pushgatewayPushesTotal   prometheus.Counter
	pushgatewayFailuresTotal prometheus.Counter
	pushgatewayLastPushTime  prometheus.Gauge
}

// NewReporterMetrics creates the collectors on a private registry
func NewReporterMetrics() *ReporterMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &ReporterMetrics{
		registry: reg,
		spotsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pskreporter_spots_total",
				Help: "Spots submitted to the reporter by outcome",
			},
			[]string{"result"},
		),
		messagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pskreporter_messages_sent_total",
				Help: "Messages written to the collector",
			},
			[]string{"transport"},
		),
		bytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pskreporter_bytes_sent_total",
				Help: "Bytes written to the collector",
			},
			[]string{"transport"},
		),
		lastSendTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pskreporter_last_send_timestamp_seconds",
			Help: "Unix timestamp of the last message written",
		}),
		sendErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pskreporter_send_errors_total",
				Help: "Transport errors by class",
			},
			[]string{"class"},
		),
		reconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pskreporter_reconnects_total",
				Help: "Transport reconnects by reason",
			},
			[]string{"reason"},
		),
		queueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pskreporter_queue_length",
			Help: "Spots waiting to be sent",
		}),
		cacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pskreporter_cache_entries",
			Help: "Callsigns currently held by the repeat suppression cache",
		}),
		descriptorsRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pskreporter_descriptors_remaining",
			Help: "Messages that will still carry template descriptors",
		}),
		connectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pskreporter_connection_state",
				Help: "1 for the current connection state, 0 otherwise",
			},
			[]string{"state"},
		),
		wsjtxMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wsjtx_udp_messages_total",
				Help: "WSJT-X UDP messages received by type",
			},
			[]string{"type"},
		),
		goroutineCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pskreporter_goroutines",
			Help: "Number of goroutines",
		}),
		memoryAllocBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pskreporter_memory_alloc_bytes",
			Help: "Currently allocated heap bytes",
		}),
		memoryHeapBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pskreporter_memory_heap_bytes",
			Help: "Heap bytes in use",
		}),
		pushgatewayPushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pskreporter_pushgateway_pushes_total",
			Help: "Pushgateway push attempts",
		}),
		pushgatewayFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pskreporter_pushgateway_failures_total",
			Help: "Failed Pushgateway pushes",
		}),
		pushgatewayLastPushTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pskreporter_pushgateway_last_push_timestamp_seconds",
			Help: "Unix timestamp of the last successful push",
		}),
	}
}

// Gatherer exposes the private registry for /metrics, the Pushgateway and MQTT
func (rm *ReporterMetrics) Gatherer() prometheus.Gatherer {
	if rm == nil {
		return prometheus.NewRegistry()
	}
	return rm.registry
}

func (rm *ReporterMetrics) RecordSpot(result string) {
	if rm == nil {
		return
	}
	rm.spotsTotal.WithLabelValues(result).Inc()
}

func (rm *ReporterMetrics) RecordMessage(transport string, size int) {
	if rm == nil {
		return
	}
	rm.messagesTotal.WithLabelValues(transport).Inc()
	rm.bytesTotal.WithLabelValues(transport).Add(float64(size))
	rm.lastSendTime.Set(float64(time.Now().Unix()))
}

func (rm *ReporterMetrics) RecordSendError(class string) {
	if rm == nil {
		return
	}
	rm.sendErrorsTotal.WithLabelValues(class).Inc()
}

func (rm *ReporterMetrics) RecordReconnect(reason string) {
	if rm == nil {
		return
	}
	rm.reconnectsTotal.WithLabelValues(reason).Inc()
}

func (rm *ReporterMetrics) RecordWSJTXMessage(msgType string) {
	if rm == nil {
		return
	}
	rm.wsjtxMessagesTotal.WithLabelValues(msgType).Inc()
}

// UpdateStatus mirrors a reporter snapshot into the gauges
func (rm *ReporterMetrics) UpdateStatus(st ReporterStatus) {
	if rm == nil {
		return
	}
	rm.queueLength.Set(float64(st.QueueLength))
	rm.cacheEntries.Set(float64(st.CacheEntries))
	rm.descriptorsRemaining.Set(float64(st.DescriptorsRemaining))
	for _, s := range []ConnState{StateDisconnected, StateConnecting, StateConnected, StateClosing} {
		v := 0.0
		if s.String() == st.State {
			v = 1
		}
		rm.connectionState.WithLabelValues(s.String()).Set(v)
	}
}

// updateResourceMetrics updates runtime resource metrics
func (rm *ReporterMetrics) updateResourceMetrics() {
	if rm == nil {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	rm.goroutineCount.Set(float64(runtime.NumGoroutine()))
	rm.memoryAllocBytes.Set(float64(m.Alloc))
	rm.memoryHeapBytes.Set(float64(m.HeapAlloc))
}

// StartResourceUpdater refreshes the runtime gauges until ctx is done
func (rm *ReporterMetrics) StartResourceUpdater(ctx context.Context, interval time.Duration) {
	if rm == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		rm.updateResourceMetrics()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rm.updateResourceMetrics()
			}
		}
	}()
}

// StartPushgatewayWorker starts a goroutine that periodically pushes metrics to Pushgateway
func (rm *ReporterMetrics) StartPushgatewayWorker(ctx context.Context, config *Config) {
	if rm == nil || !config.Prometheus.Pushgateway.Enabled {
		return
	}

	pgConfig := config.Prometheus.Pushgateway
	if pgConfig.Instance == "" || pgConfig.Token == "" {
		if DebugMode {
			log.Println("DEBUG: Pushgateway not fully configured (instance or token missing), skipping push worker")
		}
		return
	}

	const pushInterval = 60 * time.Second

	log.Printf("Starting Pushgateway worker: URL=%s, Instance=%s, Interval=%s",
		pgConfig.URL, pgConfig.Instance, pushInterval)

	go func() {
		ticker := time.NewTicker(pushInterval)
		defer ticker.Stop()

		for {
			rm.pushgatewayPushesTotal.Inc()
			if err := rm.pushToGateway(config); err != nil {
				rm.pushgatewayFailuresTotal.Inc()
				log.Printf("ERROR: Failed to push metrics to Pushgateway: %v", err)
			} else {
				rm.pushgatewayLastPushTime.Set(float64(time.Now().Unix()))
				if DebugMode {
					log.Printf("DEBUG: Successfully pushed metrics to Pushgateway")
				}
			}

			select {
			case <-ctx.Done():
				log.Println("Pushgateway worker stopped")
				return
			case <-ticker.C:
			}
		}
	}()
}

// pushToGateway pushes all metrics to the Pushgateway with receiver info as labels
func (rm *ReporterMetrics) pushToGateway(config *Config) error {
	pgConfig := config.Prometheus.Pushgateway

	pusher := push.New(pgConfig.URL, pushgatewayJob).
		Gatherer(rm.registry).
		BasicAuth(pgConfig.Instance, pgConfig.Token).
		Grouping("instance", pgConfig.Instance).
		Grouping("version", Version)

	if config.PSKReporter.Callsign != "" {
		pusher = pusher.Grouping("callsign", config.PSKReporter.Callsign)
	}
	if config.PSKReporter.Locator != "" {
		pusher = pusher.Grouping("locator", config.PSKReporter.Locator)
	}

	if err := pusher.Push(); err != nil {
		return fmt.Errorf("failed to push to gateway: %w", err)
	}
	return nil
}

const pushgatewayJob = "ubersdr_pskreporter"
