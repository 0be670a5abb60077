package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iwabuchi404/koe-note-sub002/internal/chunk"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testChunk() *chunk.AudioChunk {
	return &chunk.AudioChunk{
		ID:             "chunk-abc",
		SequenceNumber: 3,
		StartTimeSec:   40,
		DurationSec:    20,
		Payload:        []byte{0x1A, 0x45, 0xDF, 0xA3, 0x01, 0x02},
		CreatedAt:      time.Now(),
	}
}

type capturedRequest struct {
	fields    map[string]string
	fileBytes []byte
	filename  string
	header    http.Header
}

// captureServer parses the multipart request, hands it to the test via
// the returned channel and responds with the given status and body.
func captureServer(t *testing.T, status int, respBody string) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()
	captured := make(chan capturedRequest, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req := capturedRequest{
			fields: make(map[string]string),
			header: r.Header.Clone(),
		}
		for key, vals := range r.MultipartForm.Value {
			req.fields[key] = vals[0]
		}
		if file, header, err := r.FormFile("file"); err == nil {
			req.fileBytes, _ = io.ReadAll(file)
			req.filename = header.Filename
			file.Close()
		}
		captured <- req

		w.WriteHeader(status)
		io.WriteString(w, respBody)
	}))
	return server, captured
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for missing endpoint")
	}

	c, err := NewClient(Config{Endpoint: "http://localhost:9000/transcribe"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.config.Timeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %v", c.config.Timeout)
	}
	if c.config.MaxConcurrent != 4 {
		t.Errorf("expected default max concurrent 4, got %d", c.config.MaxConcurrent)
	}
	if c.config.Language != "ja" {
		t.Errorf("expected default language ja, got %s", c.config.Language)
	}
	if c.config.Model != "kotoba-tech/kotoba-whisper-v2.0-faster" {
		t.Errorf("unexpected default model %s", c.config.Model)
	}
	if c.config.BeamSize != 5 {
		t.Errorf("expected default beam size 5, got %d", c.config.BeamSize)
	}
}

func TestTranscribeSendsMultipartRequest(t *testing.T) {
	respJSON, _ := json.Marshal(Result{
		Text:     "こんにちは、テストです。",
		Language: "ja",
		Segments: []Segment{{Start: 0, End: 2.5, Text: "こんにちは、"}},
		Duration: 20,
	})
	server, captured := captureServer(t, http.StatusOK, string(respJSON))
	defer server.Close()

	c, err := NewClient(Config{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ac := testChunk()
	result, err := c.Transcribe(context.Background(), ac)
	if err != nil {
		t.Fatalf("unexpected transcribe error: %v", err)
	}

	req := <-captured
	if !bytes.Equal(req.fileBytes, ac.Payload) {
		t.Error("uploaded bytes do not match chunk payload")
	}
	if req.filename != "chunk-abc.webm" {
		t.Errorf("expected filename chunk-abc.webm, got %s", req.filename)
	}

	expectFields := map[string]string{
		"chunk_id":        "chunk-abc",
		"sequence_number": "3",
		"start_time":      "40.000",
		"duration":        "20.000",
		"language":        "ja",
		"model":           "kotoba-tech/kotoba-whisper-v2.0-faster",
		"beam_size":       "5",
		"response_format": "json",
		"service_name":    "koe-note-recorder",
		"service_version": "1.0",
	}
	for key, want := range expectFields {
		if got := req.fields[key]; got != want {
			t.Errorf("field %s = %q, expected %q", key, got, want)
		}
	}
	if req.fields["request_id"] == "" {
		t.Error("expected a generated request_id")
	}
	if auth := req.header.Get("Authorization"); auth != "" {
		t.Errorf("expected no auth header without API key, got %q", auth)
	}
	if ua := req.header.Get("User-Agent"); ua != "koe-note-recorder/1.0" {
		t.Errorf("unexpected user agent %q", ua)
	}

	if result.Text != "こんにちは、テストです。" {
		t.Errorf("unexpected text %q", result.Text)
	}
	if len(result.Segments) != 1 || result.Segments[0].End != 2.5 {
		t.Errorf("unexpected segments %+v", result.Segments)
	}
	if result.ChunkID != "chunk-abc" {
		t.Errorf("expected chunk id filled from chunk, got %q", result.ChunkID)
	}
	if result.ProcessedAt.IsZero() {
		t.Error("expected processed timestamp to be set")
	}

	stats := c.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.SuccessRate != 100 {
		t.Errorf("expected 100%% success rate, got %v", stats.SuccessRate)
	}
}

func TestTranscribeSendsBearerToken(t *testing.T) {
	server, captured := captureServer(t, http.StatusOK, `{"text":"ok"}`)
	defer server.Close()

	c, err := NewClient(Config{Endpoint: server.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Transcribe(context.Background(), testChunk()); err != nil {
		t.Fatalf("unexpected transcribe error: %v", err)
	}

	req := <-captured
	if auth := req.header.Get("Authorization"); auth != "Bearer secret" {
		t.Errorf("expected bearer token, got %q", auth)
	}
}

func TestTranscribeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusInternalServerError)
	}))
	defer server.Close()

	c, err := NewClient(Config{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = c.Transcribe(context.Background(), testChunk())
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "HTTP error 500") {
		t.Errorf("expected HTTP error 500 in message, got %v", err)
	}

	if stats := c.GetStats(); stats.FailedRequests != 1 {
		t.Errorf("expected 1 failed request, got %d", stats.FailedRequests)
	}
}

func TestTranscribeInvalidResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json")
	}))
	defer server.Close()

	c, err := NewClient(Config{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := c.Transcribe(context.Background(), testChunk()); err == nil {
		t.Fatal("expected error for unparseable response")
	}
}

func TestTranscribeRejectsEmptyChunk(t *testing.T) {
	c, err := NewClient(Config{Endpoint: "http://localhost:9000/transcribe"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := c.Transcribe(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil chunk")
	}
	if _, err := c.Transcribe(context.Background(), &chunk.AudioChunk{ID: "x"}); err == nil {
		t.Fatal("expected error for chunk without payload")
	}
	if stats := c.GetStats(); stats.TotalRequests != 0 {
		t.Errorf("rejected chunks should not count as requests, got %d", stats.TotalRequests)
	}
}

func TestWriterWritesTranscript(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "", discardLogger())

	path, err := w.Write(3, &Result{Text: "議事録のテキスト"})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if path != filepath.Join(dir, "transcript_003.txt") {
		t.Errorf("unexpected path %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read transcript: %v", err)
	}
	if string(data) != "議事録のテキスト" {
		t.Errorf("unexpected transcript content %q", string(data))
	}
	if w.Written() != 1 {
		t.Errorf("expected 1 written, got %d", w.Written())
	}
}

func TestWriterCustomPrefix(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "transcripts")
	w := NewWriter(dir, "memo_", discardLogger())

	path, err := w.Write(12, &Result{Text: "x"})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if filepath.Base(path) != "memo_012.txt" {
		t.Errorf("unexpected file name %s", filepath.Base(path))
	}
}

func TestWriterValidation(t *testing.T) {
	w := NewWriter("", "", discardLogger())
	if _, err := w.Write(1, &Result{Text: "x"}); err == nil {
		t.Fatal("expected error without folder")
	}

	w = NewWriter(t.TempDir(), "", discardLogger())
	if _, err := w.Write(1, nil); err == nil {
		t.Fatal("expected error for nil result")
	}
}
