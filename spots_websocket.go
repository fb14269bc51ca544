package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	spotsWriteTimeout  = 5 * time.Second
	spotsReadTimeout   = 60 * time.Second
	spotsPingInterval  = 30 * time.Second
	spotsBufferSize    = 100
	spotsConnectsPerIP = 0.2 // one new connection per 5 seconds
)

// SpotMessage is the JSON form of an accepted spot on the live feed
type SpotMessage struct {
	Callsign   string    `json:"callsign"`
	Grid       string    `json:"grid,omitempty"`
	SNR        int       `json:"snr"`
	Frequency  uint64    `json:"frequency"`
	Band       string    `json:"band"`
	Mode       string    `json:"mode"`
	Timestamp  time.Time `json:"timestamp"`
	DistanceKm *float64  `json:"distance_km,omitempty"`
	BearingDeg *float64  `json:"bearing_deg,omitempty"`
}

// newSpotMessage renders a spot, adding distance and bearing from
// stationGrid when both locators are usable
func newSpotMessage(spot Spot, stationGrid string) SpotMessage {
	msg := SpotMessage{
		Callsign:  spot.Callsign,
		Grid:      spot.Grid,
		SNR:       int(spot.SNR),
		Frequency: spot.Frequency,
		Band:      frequencyToBandUint64(spot.Frequency),
		Mode:      spot.Mode,
		Timestamp: spot.Timestamp,
	}
	if spot.Grid != "" && stationGrid != "" {
		if dist, bearing, err := CalculateDistanceAndBearingFromLocators(stationGrid, spot.Grid); err == nil {
			msg.DistanceKm = &dist
			msg.BearingDeg = &bearing
		}
	}
	return msg
}

// statusSource provides the reporter snapshot sent to new clients
type statusSource interface {
	Status() ReporterStatus
}

// SpotsWebSocketHandler streams accepted spots to browser clients
type SpotsWebSocketHandler struct {
	clients   map[*websocket.Conn]*sync.Mutex // Each connection has its own write mutex
	clientsMu sync.RWMutex
	upgrader  websocket.Upgrader
	reporter  statusSource
	limiter   *IPRateLimiter

	// Recent spots replayed to new connections
	buffer   []SpotMessage
	bufferMu sync.RWMutex
}

// NewSpotsWebSocketHandler creates the handler. Register Broadcast with
// the reporter's OnSpot to feed it.
func NewSpotsWebSocketHandler(reporter statusSource) *SpotsWebSocketHandler {
	return &SpotsWebSocketHandler{
		clients:  make(map[*websocket.Conn]*sync.Mutex),
		reporter: reporter,
		limiter:  NewIPRateLimiter(spotsConnectsPerIP, 3),
		buffer:   make([]SpotMessage, 0, spotsBufferSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket upgrades the request and registers the client
func (h *SpotsWebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)
	if !h.limiter.Allow(clientIP) {
		log.Printf("Spots WebSocket: Rate limited connection from %s", clientIP)
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Spots WebSocket: Failed to upgrade connection: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	log.Printf("Spots WebSocket: Client connected from %s (total: %d)", clientIP, clientCount)

	h.sendMessage(conn, map[string]interface{}{
		"type":   "status",
		"status": h.reporter.Status(),
	})
	h.sendBufferedSpots(conn)

	go h.handleClient(conn)
}

// handleClient runs the read side of a connection until it fails
func (h *SpotsWebSocketHandler) handleClient(conn *websocket.Conn) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.removeClient(conn)
	}()

	conn.SetReadDeadline(time.Now().Add(spotsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(spotsReadTimeout))
	})

	go func() {
		ticker := time.NewTicker(spotsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			h.clientsMu.RLock()
			writeMu, exists := h.clients[conn]
			h.clientsMu.RUnlock()
			if !exists {
				return
			}

			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(spotsWriteTimeout))
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Spots WebSocket: Read error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			h.sendMessage(conn, map[string]interface{}{"type": "pong"})
		case "status":
			h.sendMessage(conn, map[string]interface{}{
				"type":   "status",
				"status": h.reporter.Status(),
			})
		}
	}
}

func (h *SpotsWebSocketHandler) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	_, existed := h.clients[conn]
	delete(h.clients, conn)
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	conn.Close()
	if existed {
		log.Printf("Spots WebSocket: Client disconnected (remaining: %d)", clientCount)
	}
}

// Broadcast sends an accepted spot to every client and keeps it for
// clients that connect later
func (h *SpotsWebSocketHandler) Broadcast(spot Spot) {
	msg := newSpotMessage(spot, h.reporter.Status().Station.Grid)

	h.bufferMu.Lock()
	h.buffer = append(h.buffer, msg)
	if len(h.buffer) > spotsBufferSize {
		h.buffer = h.buffer[len(h.buffer)-spotsBufferSize:]
	}
	h.bufferMu.Unlock()

	h.broadcast(map[string]interface{}{
		"type": "spot",
		"data": msg,
	})
}

func (h *SpotsWebSocketHandler) broadcast(message map[string]interface{}) {
	messageJSON, err := json.Marshal(message)
	if err != nil {
		log.Printf("Spots WebSocket: Failed to marshal message: %v", err)
		return
	}

	// Copy the client list so no lock is held during slow writes
	h.clientsMu.RLock()
	clientList := make([]*websocket.Conn, 0, len(h.clients))
	writeMutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn, writeMu := range h.clients {
		clientList = append(clientList, conn)
		writeMutexes = append(writeMutexes, writeMu)
	}
	h.clientsMu.RUnlock()

	for i, conn := range clientList {
		writeMu := writeMutexes[i]
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(spotsWriteTimeout))
		err := conn.WriteMessage(websocket.TextMessage, messageJSON)
		writeMu.Unlock()

		if err != nil {
			if DebugMode {
				log.Printf("DEBUG: Spots WebSocket: Failed to send to client: %v", err)
			}
			h.removeClient(conn)
		}
	}
}

func (h *SpotsWebSocketHandler) sendBufferedSpots(conn *websocket.Conn) {
	h.bufferMu.RLock()
	buffered := make([]SpotMessage, len(h.buffer))
	copy(buffered, h.buffer)
	h.bufferMu.RUnlock()

	for _, msg := range buffered {
		if err := h.sendMessage(conn, map[string]interface{}{"type": "spot", "data": msg}); err != nil {
			return
		}
	}
}

func (h *SpotsWebSocketHandler) sendMessage(conn *websocket.Conn, message map[string]interface{}) error {
	messageJSON, err := json.Marshal(message)
	if err != nil {
		return err
	}

	h.clientsMu.RLock()
	writeMu, exists := h.clients[conn]
	h.clientsMu.RUnlock()
	if !exists {
		return fmt.Errorf("connection not found")
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(spotsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, messageJSON)
}

// ClientCount returns the number of connected clients
func (h *SpotsWebSocketHandler) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// CleanupLimiter drops idle per-IP connection limiters
func (h *SpotsWebSocketHandler) CleanupLimiter() {
	h.limiter.Cleanup()
}
