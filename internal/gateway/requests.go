package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/MrWong99/parley/internal/chaos"
)

// validate is the shared validator for command payloads.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report JSON names, not Go field names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
	validate.RegisterStructValidation(speakAligned, SpeakRequest{})
}

// ── Payloads ─────────────────────────────────────────────────────────────────

// ConfigureDisruptionsRequest is the payload of configure_disruptions.
// Omitted fields keep their current value.
type ConfigureDisruptionsRequest struct {
	Enabled         *bool    `json:"enabled"`
	RandomVoiceGen  *bool    `json:"random_voice_gen"`
	BackgroundNoise *bool    `json:"background_noise"`
	HardwareFailure *bool    `json:"hardware_failure"`
	NoiseType       *string  `json:"noise_type" validate:"omitempty,oneof=office rain traffic cafe"`
	Intensity       *float64 `json:"intensity" validate:"omitempty,gte=0,lte=1"`
	Frequency       *float64 `json:"frequency" validate:"omitempty,gte=0,lte=60"` // chaos.MaxFrequency
}

// Update converts the request to an engine update.
func (r ConfigureDisruptionsRequest) Update() chaos.ConfigUpdate {
	u := chaos.ConfigUpdate{
		Enabled:         r.Enabled,
		RandomVoiceGen:  r.RandomVoiceGen,
		BackgroundNoise: r.BackgroundNoise,
		HardwareFailure: r.HardwareFailure,
		Intensity:       r.Intensity,
		Frequency:       r.Frequency,
	}
	if r.NoiseType != nil {
		nt := chaos.NoiseType(*r.NoiseType)
		u.NoiseType = &nt
	}
	return u
}

// SimulateFailureRequest is the payload of simulate_failure. Without a
// duration the failure lasts until cleared.
type SimulateFailureRequest struct {
	Type       string `json:"type" validate:"required,oneof=mic_mute connection_drop"`
	DurationMS *int64 `json:"duration_ms" validate:"omitempty,gte=1,lte=600000"`
}

// ClearFailureRequest is the payload of clear_failure.
type ClearFailureRequest struct {
	Type string `json:"type" validate:"required,oneof=mic_mute connection_drop"`
}

// AutoDisruptionsRequest is the payload of auto_disruptions.
type AutoDisruptionsRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// ResetDisruptionsRequest is the payload of reset_disruptions.
type ResetDisruptionsRequest struct {
	// RestoreDefaults also resets the configuration.
	RestoreDefaults bool `json:"restore_defaults"`
}

// SpeakRequest is the payload of speak: one chunk of counterpart speech.
// PCM is base64 encoded 16-bit little-endian audio.
type SpeakRequest struct {
	PCM        []byte `json:"pcm" validate:"required,max=1920000"`
	SampleRate int    `json:"sample_rate" validate:"required,oneof=8000 12000 16000 24000 44100 48000"`
	Channels   int    `json:"channels" validate:"omitempty,oneof=1 2"`
}

// frameBytes is the size of one interleaved 16-bit sample frame.
func (r *SpeakRequest) frameBytes() int {
	if r.Channels == 0 {
		return 2
	}
	return 2 * r.Channels
}

// speakAligned rejects PCM that ends in a partial sample frame.
func speakAligned(sl validator.StructLevel) {
	req := sl.Current().Interface().(SpeakRequest)
	if n := req.frameBytes(); len(req.PCM) > 0 && len(req.PCM)%n != 0 {
		sl.ReportError(req.PCM, "pcm", "PCM", "frame_aligned", strconv.Itoa(n))
	}
}

// SetHapticsRequest is the payload of set_haptics.
type SetHapticsRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// ── Validation ───────────────────────────────────────────────────────────────

// FieldError is one failed validation rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every invalid field of a payload.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + " " + f.Message
	}
	return "gateway: invalid payload: " + strings.Join(parts, "; ")
}

// decodeAndValidate unmarshals raw into data and validates it. An empty
// payload decodes as an empty object.
func decodeAndValidate[T any](raw json.RawMessage, data *T) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, data); err != nil {
		return fmt.Errorf("gateway: invalid JSON: %w", err)
	}
	if err := validate.Struct(data); err != nil {
		var ves validator.ValidationErrors
		if !errors.As(err, &ves) {
			return fmt.Errorf("gateway: validate: %w", err)
		}
		verr := &ValidationError{}
		for _, fe := range ves {
			verr.Fields = append(verr.Fields, FieldError{Field: fe.Field(), Message: validationMessage(fe)})
		}
		return verr
	}
	return nil
}

// validationMessage turns a validator error into a short sentence.
func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "frame_aligned":
		return fmt.Sprintf("must be a whole number of %s-byte sample frames", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}
