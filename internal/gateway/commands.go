package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/chaos"
	"github.com/MrWong99/parley/pkg/audio"
)

// Command names.
const (
	CmdStartListening       = "start_listening"
	CmdStopListening        = "stop_listening"
	CmdConfigureDisruptions = "configure_disruptions"
	CmdSimulateFailure      = "simulate_failure"
	CmdClearFailure         = "clear_failure"
	CmdAutoDisruptions      = "auto_disruptions"
	CmdResetDisruptions     = "reset_disruptions"
	CmdSpeak                = "speak"
	CmdSetHaptics           = "set_haptics"
	CmdStatus               = "status"
)

var (
	// ErrReadOnly is returned when an observer sends a mutating command.
	ErrReadOnly = errors.New("gateway: observers may only query status")

	// ErrUnknownCommand is returned for an unrecognised command type.
	ErrUnknownCommand = errors.New("gateway: unknown command")

	// ErrUnavailable is returned for a command whose collaborator is not
	// configured.
	ErrUnavailable = errors.New("gateway: command unavailable")
)

// Command is a client request.
type Command struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Result answers a [Command].
type Result struct {
	Type    string       `json:"type"`
	ID      string       `json:"id,omitempty"`
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
	Fields  []FieldError `json:"fields,omitempty"`
	Data    any          `json:"data,omitempty"`
}

func newResult(cmd Command, data any, err error) Result {
	res := Result{Type: cmd.Type + "_result", ID: cmd.ID, Success: err == nil, Data: data}
	if err != nil {
		res.Data = nil
		res.Error = err.Error()
		var verr *ValidationError
		if errors.As(err, &verr) {
			res.Fields = verr.Fields
		}
	}
	return res
}

// handleMessage decodes one text frame and executes it.
func (s *Server) handleMessage(ctx context.Context, c *conn, data []byte) Result {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Result{Type: "error", Error: fmt.Sprintf("gateway: invalid JSON: %v", err)}
	}
	if c.role != RoleDevice && cmd.Type != CmdStatus {
		return newResult(cmd, nil, ErrReadOnly)
	}
	res := s.Execute(ctx, cmd)
	if !res.Success {
		slog.Debug("gateway: command failed", "conn_id", c.id, "type", cmd.Type, "err", res.Error)
	}
	return res
}

// Execute runs cmd and returns its result. It does not check roles.
func (s *Server) Execute(ctx context.Context, cmd Command) Result {
	var (
		data any
		err  error
	)
	switch cmd.Type {
	case CmdStartListening:
		err = s.deps.Listener.StartListening(ctx)
	case CmdStopListening:
		err = s.deps.Listener.StopListening(ctx)
	case CmdConfigureDisruptions:
		data, err = handle(cmd, s.configureDisruptions)
	case CmdSimulateFailure:
		data, err = handle(cmd, s.simulateFailure)
	case CmdClearFailure:
		data, err = handle(cmd, s.clearFailure)
	case CmdAutoDisruptions:
		data, err = handle(cmd, s.autoDisruptions)
	case CmdResetDisruptions:
		data, err = handle(cmd, s.resetDisruptions)
	case CmdSpeak:
		data, err = handle(cmd, s.speak)
	case CmdSetHaptics:
		data, err = handle(cmd, s.setHaptics)
	case CmdStatus:
		data = s.Status()
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
	return newResult(cmd, data, err)
}

// handle decodes and validates the payload of cmd before calling fn.
func handle[T any](cmd Command, fn func(*T) (any, error)) (any, error) {
	var req T
	if err := decodeAndValidate(cmd.Data, &req); err != nil {
		return nil, err
	}
	return fn(&req)
}

// ── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) configureDisruptions(req *ConfigureDisruptionsRequest) (any, error) {
	prev := s.deps.Engine.Config()
	cfg, err := s.deps.Engine.UpdateConfiguration(req.Update())
	if err != nil {
		return nil, err
	}
	if sch := s.deps.Scheduler; sch != nil && sch.Running() && cfg.Frequency != prev.Frequency {
		if err := sch.Reconfigure(sch.Config()); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (s *Server) simulateFailure(req *SimulateFailureRequest) (any, error) {
	d := chaos.Continuous
	if req.DurationMS != nil {
		d = time.Duration(*req.DurationMS) * time.Millisecond
	}
	if err := s.deps.Engine.SimulateHardwareFailure(chaos.Type(req.Type), d); err != nil {
		return nil, err
	}
	return s.deps.Engine.ActiveDisruptions(), nil
}

func (s *Server) clearFailure(req *ClearFailureRequest) (any, error) {
	cleared := s.deps.Engine.ClearHardwareFailure(chaos.Type(req.Type))
	return map[string]bool{"cleared": cleared}, nil
}

func (s *Server) autoDisruptions(req *AutoDisruptionsRequest) (any, error) {
	sch := s.deps.Scheduler
	if sch == nil {
		return nil, fmt.Errorf("%w: no scheduler", ErrUnavailable)
	}
	if *req.Enabled {
		if err := sch.Start(); err != nil {
			return nil, err
		}
	} else {
		sch.Stop()
	}
	return map[string]bool{"running": sch.Running()}, nil
}

func (s *Server) resetDisruptions(req *ResetDisruptionsRequest) (any, error) {
	if req.RestoreDefaults {
		s.deps.Engine.Cleanup()
	} else {
		s.deps.Engine.Reset()
	}
	return s.deps.Engine.Statistics(), nil
}

func (s *Server) speak(req *SpeakRequest) (any, error) {
	if s.deps.Playback == nil {
		return nil, fmt.Errorf("%w: no playback", ErrUnavailable)
	}
	frame := audio.AudioFrame{Data: req.PCM, SampleRate: req.SampleRate, Channels: req.frameBytes() / 2}
	if err := s.deps.Playback.Play(frame); err != nil {
		return nil, err
	}
	return map[string]int64{"duration_ms": frame.Duration().Milliseconds()}, nil
}

func (s *Server) setHaptics(req *SetHapticsRequest) (any, error) {
	if s.deps.Haptics == nil {
		return nil, fmt.Errorf("%w: no haptics store", ErrUnavailable)
	}
	if err := s.deps.Haptics.SetHapticFeedbackEnabled(*req.Enabled); err != nil {
		return nil, err
	}
	return map[string]bool{"haptics_enabled": s.deps.Haptics.HapticFeedbackEnabled()}, nil
}
