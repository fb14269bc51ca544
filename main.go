package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Global debug flag
var DebugMode bool

// Global start time for process uptime tracking
var StartTime time.Time

func main() {
	StartTime = time.Now()

	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Set global debug mode - environment variable takes precedence over the flag
	DebugMode = *debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	config, err := LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("%s %s starting", ProgramName, Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := NewReporterMetrics()
	metrics.StartResourceUpdater(ctx, 30*time.Second)

	var reporter *PSKReporter
	if config.PSKReporter.Enabled {
		reporter, err = NewPSKReporter(config.PSKReporter, programID(ProgramName, Version), metrics)
		if err != nil {
			log.Fatalf("Failed to create PSKReporter: %v", err)
		}
		if err := reporter.Connect(); err != nil {
			log.Fatalf("Failed to start PSKReporter: %v", err)
		}
		go logReporterErrors(ctx, reporter)
	} else {
		log.Println("PSKReporter disabled")
	}

	var listener *WSJTXListener
	if config.WSJTXUDP.Enabled {
		listener = NewWSJTXListener(config.WSJTXUDP, config.PSKReporter.Antenna, reporter, metrics)
		if err := listener.Start(); err != nil {
			log.Fatalf("Failed to start WSJT-X UDP listener: %v", err)
		}
	}

	var spots *SpotsWebSocketHandler
	if reporter != nil {
		spots = NewSpotsWebSocketHandler(reporter)
		reporter.OnSpot(spots.Broadcast)
	}

	if config.MQTT.Enabled {
		publisher, err := NewMQTTPublisher(&config.MQTT, metrics.Gatherer(), reporter)
		if err != nil {
			log.Printf("Warning: Failed to start MQTT publisher: %v", err)
		} else {
			publisher.Start(ctx)
		}
	}

	metrics.StartPushgatewayWorker(ctx, config)
	StartVersionChecker(ctx, config.Server.VersionCheckURL, time.Duration(config.Server.VersionCheckInterval)*time.Minute)

	api := newAPIServer(config, reporter, metrics, listener, spots)
	go cleanupRateLimiters(ctx, api, spots)

	var handler http.Handler = api.routes()
	if config.Server.AccessLog != "" {
		logFile, err := os.OpenFile(config.Server.AccessLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open access log: %v", err)
		}
		defer logFile.Close()
		handler = httpLogger(logFile, handler)
	} else if DebugMode {
		handler = httpLogger(logWriter{}, handler)
	}

	server := &http.Server{
		Addr:              config.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Server listening on %s", config.Server.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			reloadConfig(*configFile, reporter)
			continue
		}
		break
	}

	log.Println("Shutting down...")

	if listener != nil {
		listener.Stop()
	}
	if reporter != nil {
		reporter.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error closing server: %v", err)
	}
	cancel()
}

// reloadConfig re-reads the configuration file and applies the station
// identity, the transport and the event dates to the running reporter.
// Other changes need a restart.
func reloadConfig(path string, reporter *PSKReporter) {
	log.Printf("Reloading configuration from %s", path)
	config, err := LoadConfig(path)
	if err != nil {
		log.Printf("Warning: Configuration reload failed, keeping current settings: %v", err)
		return
	}
	if reporter == nil {
		return
	}
	pc := config.PSKReporter
	reporter.SetLocalStation(pc.Callsign, pc.Locator, pc.Antenna)
	reporter.SetTransport(pc.UseTCP)

	if events, err := LoadEventCalendar(pc.EventDatesFile); err != nil {
		log.Printf("Warning: Keeping previous event dates: %v", err)
	} else {
		reporter.SetEventCalendar(events)
	}
}

func logReporterErrors(ctx context.Context, reporter *PSKReporter) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-reporter.Errors():
			log.Printf("PSKReporter ERROR: %v", err)
		}
	}
}

func cleanupRateLimiters(ctx context.Context, api *apiServer, spots *SpotsWebSocketHandler) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			api.limiter.Cleanup()
			if spots != nil {
				spots.CleanupLimiter()
			}
		}
	}
}

// logWriter sends access log lines to the standard logger
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	log.Print("DEBUG: " + string(p))
	return len(p), nil
}
