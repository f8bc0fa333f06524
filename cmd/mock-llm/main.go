// Package main implements a mock LLM server for local development and tests.
// It serves OpenAI-compatible /v1/chat/completions responses so workflow LLM
// nodes run fast, deterministic, and offline. Point an ollama endpoint at it:
//
//	llm:
//	  endpoints:
//	    - provider: ollama
//	      model: mock-extractor
//	      baseUrl: http://localhost:11434/v1
//
// Responses come from JSON fixture files named by model ("mock-extractor.json"
// answers model "mock-extractor"). Numbered files ("mock-extractor.1.json",
// "mock-extractor.2.json") are served in call order, then the base file
// repeats; that exercises schema-repair loops where the first response is
// malformed and the retry succeeds. With no fixture directory the server
// echoes the last user message, which is enough for cache and budget
// experiments.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type server struct {
	fixtures map[string][]string
	latency  time.Duration

	mu    sync.Mutex
	calls map[string]int
	total int
}

func newServer(fixtures map[string][]string, latency time.Duration) *server {
	return &server{
		fixtures: fixtures,
		latency:  latency,
		calls:    make(map[string]int),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory of fixture response files (empty: echo mode)")
	addr := flag.String("addr", ":11434", "listen address")
	latency := flag.Duration("latency", 0, "artificial per-call latency, e.g. 200ms")
	flag.Parse()

	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}

	fixtures := map[string][]string{}
	if *fixtureDir != "" {
		var err error
		fixtures, err = loadFixtures(*fixtureDir)
		if err != nil {
			log.Fatalf("load fixtures from %s: %v", *fixtureDir, err)
		}
		log.Printf("loaded %d model(s) from %s", len(fixtures), *fixtureDir)
		for model, seq := range fixtures {
			log.Printf("  %s (%d fixture(s))", model, len(seq))
		}
	} else {
		log.Printf("no fixture directory, echoing the last user message")
	}

	s := newServer(fixtures, *latency)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /stats", s.handleStats)

	log.Printf("mock llm listening on %s", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.total++
	callIndex := s.calls[req.Model]
	s.calls[req.Model] = callIndex + 1
	total := s.total
	s.mu.Unlock()

	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	content, ok := s.respond(req, callIndex)
	if !ok {
		log.Printf("[call %d] no fixture for model %q", total, req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}
	log.Printf("[call %d] model=%s call_index=%d bytes=%d", total, req.Model, callIndex+1, len(content))

	writeJSON(w, chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     promptTokens(req.Messages),
			CompletionTokens: len(content) / 4,
			TotalTokens:      promptTokens(req.Messages) + len(content)/4,
		},
	})
}

// respond picks the fixture for the call, falling back to echo mode when the
// server has no fixtures at all.
func (s *server) respond(req chatRequest, callIndex int) (string, bool) {
	if len(s.fixtures) == 0 {
		return echoContent(req.Messages), true
	}
	seq, ok := s.fixtures[req.Model]
	if !ok {
		return "", false
	}
	if callIndex < len(seq) {
		return seq[callIndex], true
	}
	return seq[len(seq)-1], true
}

// echoContent returns the last user message, so identical prompts produce
// identical responses and the shell's fingerprint cache behaves as in
// production.
func echoContent(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return "ok"
}

func promptTokens(messages []chatMessage) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content) / 4
	}
	return n
}

func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	models := []modelEntry{}
	for name := range s.fixtures {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	writeJSON(w, map[string]any{"object": "list", "data": models})
}

// handleStats reports call counts; tests assert cache hits by checking the
// upstream count stayed flat.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int, len(s.calls))
	for model, n := range s.calls {
		byModel[model] = n
	}
	total := s.total
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"total_calls":    total,
		"calls_by_model": byModel,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// numberedFileRe matches sequential fixtures like "mock-extractor.2.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures maps each model name to its ordered fixture contents.
// Numbered files sort numerically and precede the base file, which repeats
// once the sequence is exhausted.
func loadFixtures(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type numbered struct {
		index   int
		content string
	}
	sequences := make(map[string][]numbered)
	bases := make(map[string]string)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		if m := numberedFileRe.FindStringSubmatch(entry.Name()); m != nil {
			idx, err := strconv.Atoi(m[2])
			if err != nil {
				continue
			}
			sequences[m[1]] = append(sequences[m[1]], numbered{index: idx, content: string(data)})
			continue
		}
		model := strings.TrimSuffix(entry.Name(), ".json")
		bases[model] = string(data)
	}

	fixtures := make(map[string][]string)
	for model, seq := range sequences {
		sort.Slice(seq, func(i, j int) bool { return seq[i].index < seq[j].index })
		for _, n := range seq {
			fixtures[model] = append(fixtures[model], n.content)
		}
		if base, ok := bases[model]; ok {
			fixtures[model] = append(fixtures[model], base)
		}
	}
	for model, base := range bases {
		if _, ok := fixtures[model]; !ok {
			fixtures[model] = []string{base}
		}
	}
	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files in %s", dir)
	}
	return fixtures, nil
}
