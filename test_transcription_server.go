package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Standalone mock of the external transcription API, for exercising the full
// capture pipeline without a real STT deployment:
//
//	go run test_transcription_server.go -port 8080
//
// and point transcription.endpoint at http://localhost:8080/transcribe.

type utterance struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker"`
}

type response struct {
	Model      string      `json:"model"`
	Utterances []utterance `json:"utterances"`
}

func transcribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}
	model := r.FormValue("model")
	language := r.FormValue("language")

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()
	audioData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	log.Printf("transcription request: file=%s size=%d model=%s language=%s",
		header.Filename, len(audioData), model, language)

	// Rough duration guess for 16 kHz mono s16le; good enough for offsets.
	seconds := float64(len(audioData)) / (16000 * 2)
	if seconds < 1 {
		seconds = 1
	}

	resp := response{
		Model: model,
		Utterances: []utterance{
			{Start: 0, End: seconds / 2, Text: fmt.Sprintf("Mock transcript for %s.", header.Filename), Speaker: "0"},
			{Start: seconds / 2, End: seconds, Text: "Generated at " + time.Now().Format(time.RFC3339) + ".", Speaker: "1"},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func main() {
	port := flag.Int("port", 8080, "listen port")
	flag.Parse()

	http.HandleFunc("/transcribe", transcribeHandler)
	addr := fmt.Sprintf(":%d", *port)
	log.Printf("mock transcription server listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}
