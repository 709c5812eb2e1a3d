// Package deepgram provides a Deepgram-backed transcriber using the Deepgram
// streaming WebSocket API. Each recording opens one connection, streams its
// PCM in short chunks, asks Deepgram to flush with CloseStream and joins the
// final results until the server closes the socket.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// chunkDuration is the amount of audio per binary message.
	chunkDuration = 100 * time.Millisecond
)

// Compile-time assertion that Provider implements stt.Transcriber.
var _ stt.Transcriber = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the WebSocket endpoint, e.g. for a self-hosted
// Deepgram deployment.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		if endpoint != "" {
			p.endpoint = endpoint
		}
	}
}

// WithKeywords boosts recognition of uncommon vocabulary. Each keyword is
// sent as "word:boost".
func WithKeywords(keywords map[string]float64) Option {
	return func(p *Provider) {
		p.keywords = keywords
	}
}

// Provider implements stt.Transcriber backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	endpoint string
	model    string
	language string
	keywords map[string]float64
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: deepgramEndpoint,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe streams rec to Deepgram and returns the concatenated final
// results.
func (p *Provider) Transcribe(ctx context.Context, rec audio.Recording) (stt.Transcript, error) {
	if rec.IsEmpty() {
		return stt.Transcript{}, fmt.Errorf("deepgram: %w", stt.ErrEmptyRecording)
	}

	wsURL, err := p.buildURL(rec.SampleRate, rec.Channels)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	// The reader runs concurrently so Deepgram can answer while audio is
	// still being sent.
	type result struct {
		tr  stt.Transcript
		err error
	}
	done := make(chan result, 1)
	go func() {
		tr, err := readFinals(ctx, conn)
		done <- result{tr, err}
	}()

	if err := sendAudio(ctx, conn, rec); err != nil {
		return stt.Transcript{}, err
	}

	select {
	case r := <-done:
		if r.err != nil {
			return stt.Transcript{}, r.err
		}
		r.tr.Language = p.language
		r.tr.Duration = rec.Duration()
		_ = conn.Close(websocket.StatusNormalClosure, "done")
		return r.tr, nil
	case <-ctx.Done():
		return stt.Transcript{}, fmt.Errorf("deepgram: %w", ctx.Err())
	}
}

// sendAudio writes rec in chunkDuration pieces followed by CloseStream.
func sendAudio(ctx context.Context, conn *websocket.Conn, rec audio.Recording) error {
	chunk := rec.SampleRate * rec.Channels * 2 * int(chunkDuration/time.Millisecond) / 1000
	if chunk <= 0 {
		chunk = len(rec.PCM)
	}
	for off := 0; off < len(rec.PCM); off += chunk {
		end := min(off+chunk, len(rec.PCM))
		if err := conn.Write(ctx, websocket.MessageBinary, rec.PCM[off:end]); err != nil {
			return fmt.Errorf("deepgram: write audio: %w", err)
		}
	}
	if err := wsjson.Write(ctx, conn, map[string]string{"type": "CloseStream"}); err != nil {
		return fmt.Errorf("deepgram: close stream: %w", err)
	}
	return nil
}

// readFinals collects final results until the server closes the connection.
func readFinals(ctx context.Context, conn *websocket.Conn) (stt.Transcript, error) {
	var (
		parts      []string
		confidence float64
	)
	for {
		var resp deepgramResponse
		err := wsjson.Read(ctx, conn, &resp)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			return stt.Transcript{}, fmt.Errorf("deepgram: read: %w", err)
		}
		text, conf, ok := resp.final()
		if !ok {
			continue
		}
		parts = append(parts, text)
		confidence += conf
	}
	tr := stt.Transcript{Text: strings.Join(parts, " ")}
	if len(parts) > 0 {
		tr.Confidence = confidence / float64(len(parts))
	}
	return tr, nil
}

// buildURL constructs the Deepgram streaming endpoint URL.
func (p *Provider) buildURL(sampleRate, channels int) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	if channels > 0 {
		q.Set("channels", strconv.Itoa(channels))
	}
	for kw, boost := range p.keywords {
		q.Add("keywords", fmt.Sprintf("%s:%g", kw, boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// final returns the top alternative of a non-empty final Results message.
func (r deepgramResponse) final() (string, float64, bool) {
	if r.Type != "Results" || !r.IsFinal || len(r.Channel.Alternatives) == 0 {
		return "", 0, false
	}
	alt := r.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return "", 0, false
	}
	return text, alt.Confidence, true
}
