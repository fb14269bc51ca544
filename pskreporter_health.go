package main

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/process"
)

// A reporter that has sent nothing for this long is flagged stale. With a
// 15 s cycle and the 5 minute heartbeat this only trips when sending stops.
const reporterStaleAfter = 10 * time.Minute

// ReporterHealthStatus represents health information for the reporter
type ReporterHealthStatus struct {
	Enabled              bool      `json:"enabled"`
	Healthy              bool      `json:"healthy"`
	State                string    `json:"state"`
	Transport            string    `json:"transport"`
	RemoteAddr           string    `json:"remote_addr,omitempty"`
	LastSendTime         time.Time `json:"last_send_time"`
	IsStale              bool      `json:"is_stale"`
	SendCount            int       `json:"send_count"`
	QueueSize            int       `json:"queue_size"`
	DescriptorsRemaining int       `json:"descriptors_remaining"`
	LastWSJTXPacket      time.Time `json:"last_wsjtx_packet,omitempty"`
	Issues               []string  `json:"issues"`
	LastUpdateTime       time.Time `json:"last_update_time"`
}

// ReporterDiagnostics adds process and host details to the health status
type ReporterDiagnostics struct {
	ReporterHealthStatus
	TimeSinceSend string  `json:"time_since_send"`
	ProcessUptime string  `json:"process_uptime"`
	CPUModel      string  `json:"cpu_model"`
	CPUCores      int     `json:"cpu_cores"`
	Load1Min      float64 `json:"load_1min"`
	Load5Min      float64 `json:"load_5min"`
	HostUptime    uint64  `json:"host_uptime_seconds"`
	ProcessRSS    uint64  `json:"process_rss_bytes"`
	Threads       int32   `json:"threads"`
	Version       string  `json:"version"`
}

var (
	lastPSKReporterSend  time.Time
	lastPSKReporterMu    sync.RWMutex
	pskReporterSendCount int

	lastWSJTXPacket   time.Time
	lastWSJTXPacketMu sync.RWMutex
)

// RecordPSKReporterSend records when data was sent to PSKReporter
func RecordPSKReporterSend() {
	lastPSKReporterMu.Lock()
	defer lastPSKReporterMu.Unlock()
	lastPSKReporterSend = time.Now()
	pskReporterSendCount++
}

// RecordWSJTXPacket records when the listener last received a datagram
func RecordWSJTXPacket() {
	lastWSJTXPacketMu.Lock()
	defer lastWSJTXPacketMu.Unlock()
	lastWSJTXPacket = time.Now()
}

// GetHealthStatus returns the current health of the reporter
func GetHealthStatus(r *PSKReporter, now time.Time) ReporterHealthStatus {
	if r == nil {
		return ReporterHealthStatus{
			Enabled:        false,
			Healthy:        true,
			Issues:         []string{"PSKReporter is not enabled"},
			LastUpdateTime: now,
		}
	}

	lastPSKReporterMu.RLock()
	lastSend := lastPSKReporterSend
	sendCount := pskReporterSendCount
	lastPSKReporterMu.RUnlock()

	lastWSJTXPacketMu.RLock()
	lastPacket := lastWSJTXPacket
	lastWSJTXPacketMu.RUnlock()

	st := r.Status()
	status := ReporterHealthStatus{
		Enabled:              true,
		Healthy:              true,
		State:                st.State,
		Transport:            st.Transport,
		RemoteAddr:           st.RemoteAddr,
		LastSendTime:         lastSend,
		IsStale:              !lastSend.IsZero() && now.Sub(lastSend) > reporterStaleAfter,
		SendCount:            sendCount,
		QueueSize:            st.QueueLength,
		DescriptorsRemaining: st.DescriptorsRemaining,
		LastWSJTXPacket:      lastPacket,
		Issues:               make([]string, 0),
		LastUpdateTime:       now,
	}

	if st.State != StateConnected.String() {
		status.Issues = append(status.Issues, "PSKReporter: transport is "+st.State)
		status.Healthy = false
	}
	if lastSend.IsZero() {
		status.Issues = append(status.Issues, "PSKReporter: no data has been sent yet")
	} else if status.IsStale {
		status.Issues = append(status.Issues, "PSKReporter: no data sent in "+now.Sub(lastSend).Round(time.Second).String())
		status.Healthy = false
	}
	if st.QueueLength >= r.config.QueueSize {
		status.Issues = append(status.Issues, "PSKReporter: queue is full")
		status.Healthy = false
	}

	return status
}

// GetDiagnostics returns the health status plus process and host details.
// Probe failures are logged and leave the fields zero.
func GetDiagnostics(r *PSKReporter, now time.Time) ReporterDiagnostics {
	diag := ReporterDiagnostics{
		ReporterHealthStatus: GetHealthStatus(r, now),
		Version:              Version,
	}
	if !diag.LastSendTime.IsZero() {
		diag.TimeSinceSend = now.Sub(diag.LastSendTime).Round(time.Second).String()
	}

	if !StartTime.IsZero() {
		diag.ProcessUptime = now.Sub(StartTime).Round(time.Second).String()
	}

	if info, err := cpu.Info(); err == nil && len(info) > 0 {
		diag.CPUModel = info[0].ModelName
		for _, c := range info {
			diag.CPUCores += int(c.Cores)
		}
	} else if err != nil && DebugMode {
		log.Printf("DEBUG: Failed to get CPU info: %v", err)
	}

	if avg, err := load.Avg(); err == nil {
		diag.Load1Min = avg.Load1
		diag.Load5Min = avg.Load5
	}
	if uptime, err := host.Uptime(); err == nil {
		diag.HostUptime = uptime
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			diag.ProcessRSS = mem.RSS
		}
		if n, err := proc.NumThreads(); err == nil {
			diag.Threads = n
		}
	}
	return diag
}
