package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// fakePushGateway stands in for the push gateway during local runs and
// load tests. It accepts wake requests and answers sent or failed
// according to the configured fail rate.
type fakePushGateway struct {
	start    time.Time
	latency  time.Duration
	failRate float64

	mu      sync.Mutex
	byToken map[string]int64
	total   int64
	seq     int64
}

func main() {
	addr := getenvDefault("FAKE_PUSH_ADDR", ":18090")
	latencyMs := getenvIntDefault("FAKE_PUSH_LATENCY_MS", 0)
	failRate := getenvFloatDefault("FAKE_PUSH_FAIL_RATE", 0)

	srv := &fakePushGateway{
		start:    time.Now().UTC(),
		latency:  time.Duration(latencyMs) * time.Millisecond,
		failRate: failRate,
		byToken:  make(map[string]int64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/stats", srv.handleStats)
	mux.HandleFunc("/api/v1/push", srv.handlePush)

	log.Printf("fake push gateway listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

func (s *fakePushGateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *fakePushGateway) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	byToken := make(map[string]int64, len(s.byToken))
	for token, count := range s.byToken {
		byToken[token] = count
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"uptime":   time.Since(s.start).String(),
		"total":    atomic.LoadInt64(&s.total),
		"by_token": byToken,
	})
}

func (s *fakePushGateway) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	var req struct {
		Token     string `json:"token"`
		PushMagic string `json:"push_magic"`
		Topic     string `json:"topic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, "token required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.byToken[req.Token]++
	s.mu.Unlock()
	atomic.AddInt64(&s.total, 1)

	w.Header().Set("Content-Type", "application/json")
	if s.failRate > 0 && rand.Float64() < s.failRate {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "failed",
			"error":  "simulated delivery failure",
		})
		return
	}
	pushID := fmt.Sprintf("push-%d", atomic.AddInt64(&s.seq, 1))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"push_id": pushID,
		"status":  "sent",
	})
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
