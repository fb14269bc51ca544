package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// MQTTPublisher publishes accepted spots and the reporter status
type MQTTPublisher struct {
	client   mqtt.Client
	config   *MQTTConfig
	gatherer prometheus.Gatherer
	reporter *PSKReporter
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// SpotPayload is the JSON published for every accepted spot
type SpotPayload struct {
	Callsign  string `json:"callsign"`
	Locator   string `json:"locator,omitempty"`
	SNR       int8   `json:"snr"`
	Frequency uint64 `json:"frequency"`
	Mode      string `json:"mode"`
	Band      string `json:"band"`
	Timestamp int64  `json:"timestamp"`
}

// generateClientID creates a random client ID for MQTT connection
func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "ubersdr_psk_" + hex.EncodeToString(bytes)
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the broker
func NewMQTTPublisher(config *MQTTConfig, gatherer prometheus.Gatherer, reporter *PSKReporter) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("MQTT: Attempting to reconnect...")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT: Successfully connected to broker: %s", config.Broker)

	return &MQTTPublisher{
		client:   client,
		config:   config,
		gatherer: gatherer,
		reporter: reporter,
	}, nil
}

// Start subscribes to accepted spots and publishes the status periodically
// until ctx is done
func (mp *MQTTPublisher) Start(ctx context.Context) {
	if mp.reporter != nil {
		mp.reporter.OnSpot(mp.PublishSpot)
	}
	go mp.startStatusPublisher(ctx)
}

func (mp *MQTTPublisher) startStatusPublisher(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
	defer ticker.Stop()

	log.Printf("MQTT: Status publisher started with %d second interval", mp.config.PublishInterval)

	mp.publishStatus()
	for {
		select {
		case <-ctx.Done():
			log.Println("MQTT: Status publisher stopped")
			mp.Disconnect()
			return
		case <-ticker.C:
			mp.publishStatus()
		}
	}
}

// publishStatus publishes the gathered reporter metrics as one payload
func (mp *MQTTPublisher) publishStatus() {
	families, err := mp.gatherer.Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}

	payload := MetricPayload{
		Timestamp: time.Now().Unix(),
		Metrics:   flattenMetricFamilies(families, "pskreporter_", "wsjtx_"),
	}
	if mp.reporter != nil {
		st := mp.reporter.Status()
		payload.Labels = map[string]string{
			"state":     st.State,
			"transport": st.Transport,
			"callsign":  st.Station.Callsign,
			"locator":   st.Station.Grid,
		}
	}
	mp.publish(mp.config.TopicPrefix+"/status", payload)
}

// flattenMetricFamilies turns the families whose names carry one of the
// prefixes into a flat map. Labelled series get the label pairs appended
// to the key in sorted order.
func flattenMetricFamilies(families []*dto.MetricFamily, prefixes ...string) map[string]float64 {
	out := make(map[string]float64)
	for _, mf := range families {
		name := mf.GetName()
		if !hasAnyPrefix(name, prefixes) {
			continue
		}
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}
			labels := m.GetLabel()
			pairs := make([]string, 0, len(labels))
			for _, label := range labels {
				pairs = append(pairs, label.GetName()+"_"+label.GetValue())
			}
			sort.Strings(pairs)

			key := name
			if len(pairs) > 0 {
				key += "_" + strings.Join(pairs, "_")
			}
			out[key] = value
		}
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue(), true
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue(), true
	case m.GetHistogram() != nil:
		return m.GetHistogram().GetSampleSum(), true
	case m.GetSummary() != nil:
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// publish sends a payload to an MQTT topic
func (mp *MQTTPublisher) publish(topic string, payload MetricPayload) {
	if len(payload.Metrics) == 0 {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		return
	}

	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, token.Error())
	}
}

// spotTopic builds {prefix}/spots/{band}/{mode}
func spotTopic(prefix string, spot Spot) string {
	return fmt.Sprintf("%s/spots/%s/%s", prefix, frequencyToBandUint64(spot.Frequency), spot.Mode)
}

// PublishSpot publishes an accepted spot. It never waits for the broker.
func (mp *MQTTPublisher) PublishSpot(spot Spot) {
	if mp == nil || !mp.client.IsConnected() {
		return
	}

	data, err := json.Marshal(SpotPayload{
		Callsign:  spot.Callsign,
		Locator:   spot.Grid,
		SNR:       spot.SNR,
		Frequency: spot.Frequency,
		Mode:      spot.Mode,
		Band:      frequencyToBandUint64(spot.Frequency),
		Timestamp: spot.Timestamp.Unix(),
	})
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal spot payload: %v", err)
		return
	}

	topic := spotTopic(mp.config.TopicPrefix, spot)
	token := mp.client.Publish(topic, mp.config.QoS, false, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Printf("MQTT ERROR: Failed to publish spot to %s: %v", topic, token.Error())
		}
	}()
}

// Disconnect gracefully disconnects from the MQTT broker
func (mp *MQTTPublisher) Disconnect() {
	if mp.client != nil && mp.client.IsConnected() {
		mp.client.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}
