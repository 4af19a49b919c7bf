// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// DefaultInterval between two Snapshots of a websocket stream.
const DefaultInterval = time.Second

// Handler serves Snapshots of a Source.
//
//   - GET /stats returns the current Snapshot as JSON.
//   - GET /stats/ws upgrades to a websocket and streams a JSON Snapshot each interval.
type Handler struct {
	source   Source
	interval time.Duration

	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewHandler for a Source. A non-positive interval falls back to DefaultInterval.
func NewHandler(source Source, interval time.Duration) *Handler {
	if interval <= 0 {
		interval = DefaultInterval
	}

	h := &Handler{
		source:   source,
		interval: interval,
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{},
	}

	h.router.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	h.router.HandleFunc("/stats/ws", h.handleStream).Methods(http.MethodGet)

	return h
}

// ServeHTTP is a http.Handler to be bound to a HTTP server.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// handleStats processes /stats GET requests.
func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.source.Snapshot()); err != nil {
		log.WithError(err).Warn("Failed to write telemetry snapshot")
	}
}

// handleStream processes /stats/ws websocket requests until the client disconnects.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}
	defer conn.Close()

	logger := log.WithField("client", conn.RemoteAddr())
	logger.Debug("Telemetry stream started")

	// Incoming messages are discarded; a read error signals the client's disconnect.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(h.source.Snapshot()); err != nil {
			logger.WithError(err).Debug("Telemetry stream ended")
			return
		}

		select {
		case <-closed:
			logger.Debug("Telemetry client disconnected")
			return

		case <-ticker.C:
		}
	}
}
