package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lectureWAV writes 1.5s of tone followed by nothing; the source appends
// trailing silence so the utterance closes.
func lectureWAV(t *testing.T) string {
	t.Helper()
	samples := make([]float32, 24000)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*220*float64(i)/16000))
	}
	path := filepath.Join(t.TempDir(), "lecture.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	if err := audio.EncodeWAV(file, samples, 16000); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	return path
}

func newTestRuntime(t *testing.T) (*Runtime, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Audio.Source = "wav"
	cfg.Audio.WAVPath = lectureWAV(t)
	cfg.Audio.Realtime = false
	cfg.EventStore.Path = filepath.Join(dir, "captions.db")
	cfg.Captions.TranscriptPath = filepath.Join(dir, "captions.txt")
	cfg.Pipeline.PollIntervalMS = 10

	r := New(cfg, "test", testLogger())
	if err := r.build(context.Background()); err != nil {
		t.Fatalf("build runtime: %v", err)
	}
	srv := httptest.NewServer(r.routes())
	t.Cleanup(func() {
		srv.Close()
		r.shutdown()
	})
	return r, srv
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndReady(t *testing.T) {
	r, srv := newTestRuntime(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz returned %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start returned %d", resp.StatusCode)
	}

	r.ready.Store(true)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz returned %d", resp.StatusCode)
	}
}

func TestControlAndCaptionsFlow(t *testing.T) {
	r, srv := newTestRuntime(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/captions"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	for r.hub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	var started controlResponse
	if code := postJSON(t, srv.URL+"/api/control/start", nil, &started); code != http.StatusOK {
		t.Fatalf("start returned %d", code)
	}
	if started.Status != "started" || started.SessionID == "" {
		t.Fatalf("unexpected start response %+v", started)
	}

	var again controlResponse
	postJSON(t, srv.URL+"/api/control/start", nil, &again)
	if again.Status != "already_running" || again.SessionID != started.SessionID {
		t.Fatalf("unexpected second start response %+v", again)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var accurate map[string]any
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read ws: %v", err)
		}
		if msg["kind"] == "accurate" {
			accurate = msg
			break
		}
	}
	text, _ := accurate["text"].(string)
	if !strings.HasPrefix(text, "[final transcript") {
		t.Fatalf("unexpected accurate caption %v", accurate)
	}
	if accurate["session_id"] != started.SessionID {
		t.Fatalf("caption missing session id: %v", accurate)
	}

	var records []eventstore.Record
	getJSON(t, srv.URL+"/api/captions?session="+started.SessionID, &records)
	if len(records) != 1 || records[0].Text != text {
		t.Fatalf("unexpected stored captions %+v", records)
	}

	var stopped controlResponse
	postJSON(t, srv.URL+"/api/control/stop", nil, &stopped)
	if stopped.Status != "stopped" || stopped.SessionID != started.SessionID {
		t.Fatalf("unexpected stop response %+v", stopped)
	}
	postJSON(t, srv.URL+"/api/control/stop", nil, &stopped)
	if stopped.Status != "not_running" {
		t.Fatalf("expected not_running, got %+v", stopped)
	}

	var status statusResponse
	getJSON(t, srv.URL+"/api/status", &status)
	if status.Running {
		t.Fatal("expected pipeline stopped")
	}

	var sessions []eventstore.Session
	getJSON(t, srv.URL+"/api/sessions", &sessions)
	if len(sessions) != 1 || sessions[0].Captions != 1 || sessions[0].StoppedAt.IsZero() {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	data, err := os.ReadFile(r.cfg.Captions.TranscriptPath)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !strings.Contains(string(data), text) {
		t.Fatalf("transcript missing caption: %q", data)
	}
}

func TestVocabularyEndpoints(t *testing.T) {
	r, srv := newTestRuntime(t)

	var hint protocol.VocabularyHint
	getJSON(t, srv.URL+"/api/vocabulary", &hint)
	if hint.Text != r.cfg.Captions.DefaultVocabulary {
		t.Fatalf("expected default hint, got %q", hint.Text)
	}

	postJSON(t, srv.URL+"/api/vocabulary", protocol.VocabularyHint{Text: "Fourier transform, Nyquist"}, &hint)
	if hint.Text != "Fourier transform, Nyquist" {
		t.Fatalf("unexpected hint %q", hint.Text)
	}
	var status statusResponse
	getJSON(t, srv.URL+"/api/status", &status)
	if !status.CustomVocabulary || status.Vocabulary != "Fourier transform, Nyquist" {
		t.Fatalf("status does not reflect hint: %+v", status)
	}

	resp, err := http.Post(srv.URL+"/api/vocabulary", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", resp.StatusCode)
	}
}

func TestCaptionsRejectsBadLimit(t *testing.T) {
	_, srv := newTestRuntime(t)
	resp, err := http.Get(srv.URL + "/api/captions?limit=abc")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestBusVocabularyControl(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Audio.Source = "wav"
	cfg.Audio.WAVPath = lectureWAV(t)
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.Captions.TranscriptPath = ""
	cfg.Bus.Enabled = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(dir, "nats")

	r := New(cfg, "test", testLogger())
	if err := r.build(context.Background()); err != nil {
		t.Fatalf("build runtime: %v", err)
	}
	t.Cleanup(r.shutdown)

	if err := r.bus.PublishJSON(protocol.SubjectVocabularyControl, protocol.VocabularyHint{Text: "Laplace transform"}); err != nil {
		t.Fatalf("publish hint: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.pipeline.VocabularyHint() == "Laplace transform" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("vocabulary hint not applied, got %q", r.pipeline.VocabularyHint())
}
