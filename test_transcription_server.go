package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

type TranscriptionResponse struct {
	ChunkID     string    `json:"chunk_id"`
	Text        string    `json:"text"`
	Language    string    `json:"language"`
	Segments    []Segment `json:"segments"`
	Duration    float64   `json:"duration"`
	Confidence  float32   `json:"confidence"`
	ProcessedAt time.Time `json:"processed_at"`
}

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func transcribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse multipart form
	err := r.ParseMultipartForm(10 << 20) // 10 MB
	if err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	// Get chunk fields
	chunkID := r.FormValue("chunk_id")
	sequenceNumber := r.FormValue("sequence_number")
	startTime := r.FormValue("start_time")
	duration := r.FormValue("duration")

	// Get model parameters
	language := r.FormValue("language")
	model := r.FormValue("model")
	beamSize := r.FormValue("beam_size")
	responseFormat := r.FormValue("response_format")

	// Get request metadata
	requestID := r.FormValue("request_id")
	serviceName := r.FormValue("service_name")
	serviceVersion := r.FormValue("service_version")

	// Get audio file
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	// Read file content to get size
	audioData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	// Log comprehensive request information
	log.Printf("🎤 TRANSCRIPTION REQUEST RECEIVED:")
	log.Printf("  ═══════════════════════════════════")
	log.Printf("  📊 Chunk Info:")
	log.Printf("    Request ID: %s", requestID)
	log.Printf("    Chunk ID: %s", chunkID)
	log.Printf("    Sequence: %s", sequenceNumber)
	log.Printf("    Start Time: %s seconds", startTime)
	log.Printf("    Duration: %s seconds", duration)
	log.Printf("  ═══════════════════════════════════")
	log.Printf("  🤖 Model Parameters:")
	log.Printf("    Model: %s", model)
	log.Printf("    Language: %s", language)
	log.Printf("    Beam Size: %s", beamSize)
	log.Printf("    Response Format: %s", responseFormat)
	log.Printf("  ═══════════════════════════════════")
	log.Printf("  🎧 Audio Info:")
	log.Printf("    Filename: %s", header.Filename)
	log.Printf("    Audio Size: %d bytes", len(audioData))
	log.Printf("    Content-Type: %s", header.Header.Get("Content-Type"))
	log.Printf("  ═══════════════════════════════════")
	log.Printf("  🛠️  Service Info:")
	log.Printf("    Service: %s v%s", serviceName, serviceVersion)

	// Simulate processing time
	time.Sleep(200 * time.Millisecond)

	start := parseFloat64(startTime)
	dur := parseFloat64(duration)

	// Create fake transcription response
	response := TranscriptionResponse{
		ChunkID:  chunkID,
		Text:     "これはテスト用の音声チャンクの文字起こし結果です。",
		Language: "ja",
		Segments: []Segment{
			{Start: start, End: start + dur, Text: "これはテスト用の音声チャンクの文字起こし結果です。"},
		},
		Duration:    dur,
		Confidence:  0.95,
		ProcessedAt: time.Now(),
	}

	// Send JSON response
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)

	log.Printf("✅ TRANSCRIPTION RESPONSE SENT: '%s'", response.Text)
	log.Println("---")
}

func parseFloat64(s string) float64 {
	var val float64
	fmt.Sscanf(s, "%f", &val)
	return val
}

func main() {
	http.HandleFunc("/transcribe", transcribeHandler)

	port := ":8000"
	log.Printf("🚀 Test Transcription Server starting on port %s", port)
	log.Printf("📡 Endpoint: http://localhost%s/transcribe", port)
	log.Println("💡 Update your config to use: http://localhost:8000/transcribe")

	if err := http.ListenAndServe(port, nil); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}
