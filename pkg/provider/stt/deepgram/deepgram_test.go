package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(16000, 1)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_CustomModel(t *testing.T) {
	t.Parallel()
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(48000, 2)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	assertEqual(t, "channels", "2", q.Get("channels"))
}

func TestBuildURL_Keywords(t *testing.T) {
	t.Parallel()
	p, err := New("key", WithKeywords(map[string]float64{"Bordeaux": 5, "Riesling": 3.5}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(16000, 1)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	kws := u.Query()["keywords"]
	if len(kws) != 2 {
		t.Fatalf("expected 2 keywords, got %d: %v", len(kws), kws)
	}

	found := map[string]bool{}
	for _, kw := range kws {
		found[kw] = true
	}
	if !found["Bordeaux:5"] || !found["Riesling:3.5"] {
		t.Errorf("keywords = %v", kws)
	}
}

// ---- JSON parsing tests ----

func TestDeepgramResponse_Final(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		resp     deepgramResponse
		wantText string
		wantOK   bool
	}{
		{
			name:     "final result",
			resp:     results(true, " Hello world ", 0.95),
			wantText: "Hello world",
			wantOK:   true,
		},
		{name: "interim result", resp: results(false, "Hello", 0.7)},
		{name: "empty final", resp: results(true, "  ", 0.9)},
		{name: "metadata", resp: deepgramResponse{Type: "Metadata"}},
		{name: "no alternatives", resp: deepgramResponse{Type: "Results", IsFinal: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			text, _, ok := tt.resp.final()
			if ok != tt.wantOK || text != tt.wantText {
				t.Errorf("final() = %q, %v; want %q, %v", text, ok, tt.wantText, tt.wantOK)
			}
		})
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	assertEqual(t, "endpoint", deepgramEndpoint, p.endpoint)
}

// ---- End-to-end against a fake server ----

func TestTranscribe_FakeServer(t *testing.T) {
	t.Parallel()

	var audioBytes atomic.Int64
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				audioBytes.Add(int64(len(data)))
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				break
			}
		}
		_ = wsjson.Write(ctx, conn, results(false, "good", 0.5))
		_ = wsjson.Write(ctx, conn, results(true, "good morning", 0.9))
		_ = wsjson.Write(ctx, conn, results(true, "everyone", 0.7))
		_ = wsjson.Write(ctx, conn, deepgramResponse{Type: "Metadata"})
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)

	p, err := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := audio.Recording{PCM: make([]byte, 16000*2), SampleRate: 16000, Channels: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := p.Transcribe(ctx, rec)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	assertEqual(t, "text", "good morning everyone", tr.Text)
	if tr.Confidence < 0.79 || tr.Confidence > 0.81 {
		t.Errorf("confidence = %v, want mean 0.8", tr.Confidence)
	}
	if tr.Duration != time.Second {
		t.Errorf("duration = %v", tr.Duration)
	}
	if got := audioBytes.Load(); got != int64(len(rec.PCM)) {
		t.Errorf("server received %d audio bytes, want %d", got, len(rec.PCM))
	}
	if got, _ := auth.Load().(string); got != "Token secret" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestTranscribe_EmptyRecording(t *testing.T) {
	t.Parallel()
	p, _ := New("key")
	_, err := p.Transcribe(context.Background(), audio.Recording{SampleRate: 16000, Channels: 1})
	if !errors.Is(err, stt.ErrEmptyRecording) {
		t.Errorf("err = %v, want ErrEmptyRecording", err)
	}
}

// ---- helpers ----

func results(final bool, text string, conf float64) deepgramResponse {
	var r deepgramResponse
	r.Type = "Results"
	r.IsFinal = final
	r.Channel.Alternatives = append(r.Channel.Alternatives, struct {
		Transcript string  `json:"transcript"`
		Confidence float64 `json:"confidence"`
	}{text, conf})
	return r
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
