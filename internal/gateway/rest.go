package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/MrWong99/parley/internal/chaos"
	"github.com/MrWong99/parley/internal/recording"
)

// Status is the snapshot served by GET /v1/status and the status command.
type Status struct {
	Listening       bool               `json:"listening"`
	UserSpeaking    bool               `json:"user_speaking"`
	MeteringDB      float64            `json:"metering_db"`
	Session         *recording.Session `json:"session,omitempty"`
	DeviceConnected bool               `json:"device_connected"`
	Observers       int                `json:"observers"`
	AutoDisruptions bool               `json:"auto_disruptions"`
	HapticsEnabled  bool               `json:"haptics_enabled"`
}

// Status collects the current state of the session.
func (s *Server) Status() Status {
	l := s.deps.Listener
	st := Status{
		Listening:       l.IsListening(),
		UserSpeaking:    l.IsUserSpeaking(),
		MeteringDB:      l.MeteringValue(),
		DeviceConnected: s.device.Connected(),
		Observers:       s.Observers(),
	}
	if sess, ok := l.CurrentSession(); ok {
		st.Session = &sess
	}
	if s.deps.Scheduler != nil {
		st.AutoDisruptions = s.deps.Scheduler.Running()
	}
	if s.deps.Haptics != nil {
		st.HapticsEnabled = s.deps.Haptics.HapticFeedbackEnabled()
	}
	return st
}

// SchedulerView is the JSON form of the scheduler state.
type SchedulerView struct {
	Running        bool         `json:"running"`
	Policy         chaos.Policy `json:"policy"`
	TickIntervalMS int64        `json:"tick_interval_ms"`
	MinFailureMS   int64        `json:"min_failure_ms"`
	MaxFailureMS   int64        `json:"max_failure_ms"`
}

// Disruptions is the body of GET /v1/disruptions.
type Disruptions struct {
	Config            chaos.Config             `json:"config"`
	Active            []chaos.ActiveDisruption `json:"active"`
	MicMuted          bool                     `json:"mic_muted"`
	ConnectionDropped bool                     `json:"connection_dropped"`
	Scheduler         *SchedulerView           `json:"scheduler,omitempty"`
}

func (s *Server) disruptions() Disruptions {
	e := s.deps.Engine
	d := Disruptions{
		Config:            e.Config(),
		Active:            e.ActiveDisruptions(),
		MicMuted:          e.IsMicMuted(),
		ConnectionDropped: e.IsConnectionDropped(),
	}
	if sch := s.deps.Scheduler; sch != nil {
		cfg := sch.Config()
		d.Scheduler = &SchedulerView{
			Running:        sch.Running(),
			Policy:         cfg.Policy,
			TickIntervalMS: cfg.TickInterval.Milliseconds(),
			MinFailureMS:   cfg.MinFailure.Milliseconds(),
			MaxFailureMS:   cfg.MaxFailure.Milliseconds(),
		}
	}
	return d
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handleDisruptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.disruptions())
}

// handleDisruptionLog serves the transition log, oldest first. ?limit=n
// returns only the n most recent entries.
func (s *Server) handleDisruptionLog(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Engine.DisruptionLog()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		if n < len(entries) {
			entries = entries[len(entries)-n:]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleDisruptionStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Engine.Statistics())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		http.Error(w, `{"error":"encode"}`, http.StatusInternalServerError)
	}
}
