// Package server exposes battery telemetry and the data flash session as JSON.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"bm2flash/internal/flashsync"
	"bm2flash/internal/telemetry"
)

type TelemetryClient interface {
	GetStatus(ctx context.Context) (*telemetry.Status, error)
}

type FlashClient interface {
	Summary() flashsync.Summary
}

type BatteryResponse struct {
	Level       int     `json:"sensor.battery_level"`
	Voltage     float64 `json:"sensor.battery_voltage"`
	Temperature float64 `json:"sensor.battery_temperature"`
	Current     float64 `json:"sensor.battery_current"`
	State       string  `json:"sensor.battery_state"`
	IsCharging  bool    `json:"sensor.is_charging"`
}

type Server struct {
	tel   TelemetryClient
	flash FlashClient
}

// Handler returns the routes served by Run.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.rootHandler)
	mux.HandleFunc("GET /flash", s.flashHandler)
	return mux
}

func Run(port int, tel TelemetryClient, fl FlashClient) error {
	s := &Server{
		tel:   tel,
		flash: fl,
	}

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("listening")
	return srv.ListenAndServe()
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	resp := BatteryResponse{
		State: "Unknown",
	}

	if s.tel != nil {
		st, err := s.tel.GetStatus(r.Context())
		if err != nil {
			log.Warn().Err(err).Msg("error reading BM2 telemetry")
		} else {
			resp.Level = st.SOC
			resp.Voltage = st.Voltage
			resp.Temperature = st.Temperature
			resp.Current = st.Current
			resp.State = batteryState(st)
		}
	}

	resp.IsCharging = (resp.State == "Charging")
	writeJSON(w, resp)
}

// batteryState derives the charge state from the sign of the pack current.
func batteryState(st *telemetry.Status) string {
	switch {
	case st.Current > 0 && st.SOC >= 100:
		return "Full"
	case st.Current > 0:
		return "Charging"
	case st.Current < 0:
		return "Discharging"
	case st.SOC >= 100:
		return "Full"
	}
	return "Not Charging"
}

func (s *Server) flashHandler(w http.ResponseWriter, r *http.Request) {
	if s.flash == nil {
		http.Error(w, "no data flash session", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.flash.Summary())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
