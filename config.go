package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	PSKReporter PSKReporterConfig `yaml:"pskreporter"`
	WSJTXUDP    WSJTXUDPConfig    `yaml:"wsjtx_udp"`
	Server      ServerConfig      `yaml:"server"`
	Prometheus  PrometheusConfig  `yaml:"prometheus"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
}

// PSKReporterConfig contains the reporting client settings
type PSKReporterConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Callsign       string `yaml:"callsign"`        // Receiver callsign
	Locator        string `yaml:"locator"`         // Receiver Maidenhead locator
	Antenna        string `yaml:"antenna"`         // Antenna description (optional)
	Host           string `yaml:"host"`            // Collector host (default: report.pskreporter.info)
	Port           int    `yaml:"port"`            // Collector port (default: 4739)
	UseTCP         bool   `yaml:"use_tcp"`         // Report over TCP instead of UDP
	RequireLocator bool   `yaml:"require_locator"` // Only report spots that carry a locator (WSPR always does)

	CacheTTLSecs      int    `yaml:"cache_ttl_secs"`      // Repeat suppression window (default: 300)
	BypassFrequencyHz uint64 `yaml:"bypass_frequency_hz"` // Spots above this are never suppressed (default: 49000000)
	EventDatesFile    string `yaml:"event_dates_file"`    // Timestamps around which suppression is off (optional)

	ReportIntervalSecs     int `yaml:"report_interval_secs"`     // Batch cycle period (default: 15)
	FlushIntervalCycles    int `yaml:"flush_interval_cycles"`    // Cycles between forced flushes (default: 125)
	MinPayloadBytes        int `yaml:"min_payload_bytes"`        // Hold back messages smaller than this (default: 508)
	MaxPayloadBytes        int `yaml:"max_payload_bytes"`        // Upper bound of one message (default: 10000)
	PingIntervalSecs       int `yaml:"ping_interval_secs"`       // Heartbeat period while connected (default: 300)
	DescriptorIntervalSecs int `yaml:"descriptor_interval_secs"` // UDP template refresh period (default: 3600)
	QueueSize              int `yaml:"queue_size"`               // Pending spot limit (default: 10000)
}

// WSJTXUDPConfig contains the WSJT-X UDP listener settings
type WSJTXUDPConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Listen         string   `yaml:"listen"`          // UDP listen address (default: 0.0.0.0:2237)
	MulticastGroup string   `yaml:"multicast_group"` // Join this group instead of plain unicast (optional)
	Interface      string   `yaml:"interface"`       // Interface for the multicast join (optional)
	FollowStation  bool     `yaml:"follow_station"`  // Use the DE call and grid from WSJT-X status messages
	EnabledModes   []string `yaml:"enabled_modes"`   // Modes to forward (empty = all)
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	Listen               string  `yaml:"listen"`
	AccessLog            string  `yaml:"access_log"`             // Apache combined log file (empty = no access log)
	RequestsPerSecond    float64 `yaml:"requests_per_second"`    // API requests per second per client IP (default: 2, negative = unlimited)
	VersionCheckURL      string  `yaml:"version_check_url"`      // URL of a version.go to compare against (empty = disabled)
	VersionCheckInterval int     `yaml:"version_check_interval"` // Minutes between version checks (default: 60)
}

// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled      bool              `yaml:"enabled"`       // Enable/disable Prometheus metrics endpoint
	AllowedHosts []string          `yaml:"allowed_hosts"` // List of IPs/CIDRs allowed to access metrics
	Pushgateway  PushgatewayConfig `yaml:"pushgateway"`   // Pushgateway configuration

	allowedNets []*net.IPNet
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`  // Enable/disable pushing to Pushgateway
	URL      string `yaml:"url"`      // Pushgateway URL (e.g., http://pushgateway:9091)
	Instance string `yaml:"instance"` // Instance UUID for basic auth username
	Token    string `yaml:"token"`    // Token UUID for basic auth password
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`          // Enable/disable MQTT publishing
	Broker          string        `yaml:"broker"`           // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	Username        string        `yaml:"username"`         // MQTT authentication username
	Password        string        `yaml:"password"`         // MQTT authentication password
	TopicPrefix     string        `yaml:"topic_prefix"`     // Topic prefix for spots and status
	PublishInterval int           `yaml:"publish_interval"` // Status publishing interval in seconds
	QoS             byte          `yaml:"qos"`              // MQTT Quality of Service level (0, 1, or 2)
	Retain          bool          `yaml:"retain"`           // Retain flag for status messages
	TLS             MQTTTLSConfig `yaml:"tls"`              // TLS/SSL settings
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`     // Enable/disable TLS
	CACert     string `yaml:"ca_cert"`     // Path to CA certificate file
	ClientCert string `yaml:"client_cert"` // Path to client certificate file (optional)
	ClientKey  string `yaml:"client_key"`  // Path to client key file (optional)
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, applies defaults and validates it
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.PSKReporter.applyDefaults()

	if config.WSJTXUDP.Listen == "" {
		config.WSJTXUDP.Listen = "0.0.0.0:2237"
	}
	if config.Server.Listen == "" {
		config.Server.Listen = ":8074"
	}
	if config.Server.RequestsPerSecond == 0 {
		config.Server.RequestsPerSecond = 2
	}
	if config.Server.VersionCheckInterval == 0 {
		config.Server.VersionCheckInterval = 60
	}

	// Set default allowed hosts if not specified (localhost only for security)
	if config.Prometheus.Enabled && len(config.Prometheus.AllowedHosts) == 0 {
		config.Prometheus.AllowedHosts = []string{"127.0.0.1", "::1"}
	}
	if err := config.Prometheus.parseAllowedHosts(); err != nil {
		return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
	}

	// Set MQTT defaults if not specified
	if config.MQTT.TopicPrefix == "" {
		config.MQTT.TopicPrefix = "ubersdr/pskreporter"
	}
	if config.MQTT.PublishInterval == 0 {
		config.MQTT.PublishInterval = 60
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyDefaults fills in zero values
func (pc *PSKReporterConfig) applyDefaults() {
	if pc.Host == "" {
		pc.Host = PSKReporterHost
	}
	if pc.Port == 0 {
		pc.Port = PSKReporterPort
	}
	if pc.CacheTTLSecs == 0 {
		pc.CacheTTLSecs = int(DefaultCacheTTL / time.Second)
	}
	if pc.BypassFrequencyHz == 0 {
		pc.BypassFrequencyHz = DefaultBypassFrequency
	}
	if pc.ReportIntervalSecs == 0 {
		pc.ReportIntervalSecs = int(PSKReporterReportInterval / time.Second)
	}
	if pc.FlushIntervalCycles == 0 {
		pc.FlushIntervalCycles = DefaultFlushInterval
	}
	if pc.MinPayloadBytes == 0 {
		pc.MinPayloadBytes = DefaultMinPayload
	}
	if pc.MaxPayloadBytes == 0 {
		pc.MaxPayloadBytes = DefaultMaxPayload
	}
	if pc.PingIntervalSecs == 0 {
		pc.PingIntervalSecs = int(PSKReporterPingInterval / time.Second)
	}
	if pc.DescriptorIntervalSecs == 0 {
		pc.DescriptorIntervalSecs = int(PSKReporterDescriptorInterval / time.Second)
	}
	if pc.QueueSize == 0 {
		pc.QueueSize = PSKReporterMaxQueueSize
	}
}

func (pc *PSKReporterConfig) reportInterval() time.Duration {
	return time.Duration(pc.ReportIntervalSecs) * time.Second
}

func (pc *PSKReporterConfig) pingInterval() time.Duration {
	return time.Duration(pc.PingIntervalSecs) * time.Second
}

func (pc *PSKReporterConfig) descriptorInterval() time.Duration {
	return time.Duration(pc.DescriptorIntervalSecs) * time.Second
}

// Validate checks the reporter section
func (pc *PSKReporterConfig) Validate() error {
	if !pc.Enabled {
		return nil
	}
	if pc.Callsign == "" {
		return fmt.Errorf("pskreporter.callsign is required")
	}
	if !IsValidMaidenheadLocator(pc.Locator) {
		return fmt.Errorf("pskreporter.locator %q is not a valid Maidenhead locator", pc.Locator)
	}
	if pc.Port < 1 || pc.Port > 65535 {
		return fmt.Errorf("pskreporter.port must be between 1 and 65535")
	}
	if pc.ReportIntervalSecs < 1 {
		return fmt.Errorf("pskreporter.report_interval_secs must be at least 1")
	}
	if pc.PingIntervalSecs < 1 || pc.DescriptorIntervalSecs < 1 {
		return fmt.Errorf("pskreporter ping and descriptor intervals must be at least 1 second")
	}
	if pc.MinPayloadBytes < 0 || pc.MaxPayloadBytes < pc.MinPayloadBytes {
		return fmt.Errorf("pskreporter.max_payload_bytes must not be smaller than min_payload_bytes")
	}
	if pc.MaxPayloadBytes > 65535 {
		return fmt.Errorf("pskreporter.max_payload_bytes must not exceed 65535")
	}
	if pc.QueueSize < 1 {
		return fmt.Errorf("pskreporter.queue_size must be at least 1")
	}
	return nil
}

// Validate checks the listener section
func (wc *WSJTXUDPConfig) Validate() error {
	if !wc.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(wc.Listen); err != nil {
		return fmt.Errorf("wsjtx_udp.listen: %w", err)
	}
	if wc.MulticastGroup != "" {
		ip := net.ParseIP(wc.MulticastGroup)
		if ip == nil || !ip.IsMulticast() {
			return fmt.Errorf("wsjtx_udp.multicast_group %q is not a multicast address", wc.MulticastGroup)
		}
	}
	for _, mode := range wc.EnabledModes {
		if strings.TrimSpace(mode) == "" {
			return fmt.Errorf("wsjtx_udp.enabled_modes contains an empty mode")
		}
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.PSKReporter.Validate(); err != nil {
		return err
	}
	if err := c.WSJTXUDP.Validate(); err != nil {
		return err
	}
	if c.WSJTXUDP.Enabled && !c.PSKReporter.Enabled {
		return fmt.Errorf("wsjtx_udp requires pskreporter to be enabled")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1, or 2")
		}
	}
	if c.Prometheus.Pushgateway.Enabled && c.Prometheus.Pushgateway.URL == "" {
		return fmt.Errorf("prometheus.pushgateway.url is required when the pushgateway is enabled")
	}
	return nil
}

// parseAllowedHosts parses the allowed_hosts list into CIDR networks
func (pc *PrometheusConfig) parseAllowedHosts() error {
	pc.allowedNets = make([]*net.IPNet, 0, len(pc.AllowedHosts))

	for _, ipStr := range pc.AllowedHosts {
		if _, ipNet, err := net.ParseCIDR(ipStr); err == nil {
			pc.allowedNets = append(pc.allowedNets, ipNet)
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("invalid IP or CIDR: %s", ipStr)
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		pc.allowedNets = append(pc.allowedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}

	return nil
}

// IsIPAllowed checks if an IP address is in the allowed hosts list
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range pc.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// modeEnabled reports whether mode is forwarded by the listener
func (wc *WSJTXUDPConfig) modeEnabled(mode string) bool {
	if len(wc.EnabledModes) == 0 {
		return true
	}
	for _, m := range wc.EnabledModes {
		if strings.EqualFold(m, mode) {
			return true
		}
	}
	return false
}
