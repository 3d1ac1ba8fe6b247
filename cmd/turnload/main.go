// Command turnload replays synthetic turns against a running engine and
// reports end-to-end latency. Point it at an instance started with
// DEMO_USER_ID set (or any user the store already knows) and it will POST
// turns sequentially, mixing memory-seeking and direct utterances.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/aura/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	conversationID string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

var defaultUtterances = []string{
	"How is my training plan looking this week?",
	"Do you remember what I said about my knee?",
	"Give me one tip for tomorrow's run.",
	"What did I tell you my goal for the marathon was?",
}

type sample struct {
	latency   time.Duration
	decision  string
	retrieval bool
	results   int
	degraded  []string
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "turnload: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "turnload: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "engine base URL")
	flag.StringVar(&cfg.userID, "user-id", "demo", "user_id used for synthetic turns")
	flag.StringVar(&cfg.conversationID, "conversation-id", "", "conversation_id (random when empty)")
	flag.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 150, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 45000, "per-turn timeout in milliseconds")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print per-turn progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.userID) == "" {
		return options{}, fmt.Errorf("user-id is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(cfg.conversationID) == "" {
		cfg.conversationID = "load-" + uuid.NewString()
	}

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	client := &http.Client{Timeout: cfg.turnTimeout}

	if cfg.verbose {
		fmt.Printf("turnload: conversation=%s user=%s turns=%d\n", cfg.conversationID, cfg.userID, cfg.turns)
	}

	samples := make([]sample, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		s, err := postTurn(client, cfg, text)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		samples = append(samples, s)
		if cfg.verbose {
			fmt.Printf("turnload: turn %d/%d %s decision=%s retrieval=%v results=%d\n",
				i+1, cfg.turns, s.latency.Round(time.Millisecond), s.decision, s.retrieval, s.results)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	report(samples)
	return nil
}

func postTurn(client *http.Client, cfg options, text string) (sample, error) {
	payload, err := json.Marshal(protocol.TurnRequest{
		ConversationID: cfg.conversationID,
		UserID:         cfg.userID,
		InputText:      text,
	})
	if err != nil {
		return sample{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.turnTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/turns", bytes.NewReader(payload))
	if err != nil {
		return sample{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	res, err := client.Do(req)
	if err != nil {
		return sample{}, err
	}
	defer res.Body.Close()
	elapsed := time.Since(start)

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return sample{}, err
	}
	if res.StatusCode != http.StatusOK {
		return sample{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out protocol.TurnResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return sample{}, err
	}
	return sample{
		latency:   elapsed,
		decision:  out.Metadata.Decision,
		retrieval: out.Metadata.Retrieval.Used,
		results:   out.Metadata.Retrieval.ResultCount,
		degraded:  out.Metadata.Retrieval.Degraded,
	}, nil
}

func report(samples []sample) {
	latencies := make([]time.Duration, len(samples))
	retrievalTurns := 0
	degradedTurns := 0
	for i, s := range samples {
		latencies[i] = s.latency
		if s.retrieval {
			retrievalTurns++
		}
		if len(s.degraded) > 0 {
			degradedTurns++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Printf("turnload: completed %d turns, %d with retrieval, %d degraded\n",
		len(samples), retrievalTurns, degradedTurns)
	fmt.Printf("turnload: latency p50=%s p95=%s p99=%s max=%s\n",
		percentile(latencies, 0.50).Round(time.Millisecond),
		percentile(latencies, 0.95).Round(time.Millisecond),
		percentile(latencies, 0.99).Round(time.Millisecond),
		latencies[len(latencies)-1].Round(time.Millisecond))
}

// percentile expects samples sorted ascending.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
