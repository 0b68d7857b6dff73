// Benchmark tool for load-testing a running Kestrel instance.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -count 10000
//
// This tool:
//  1. Initializes a compliance config and registers synthetic profiles
//  2. Fires concurrent /monitor requests with a mix of amounts
//  3. Reports verdict distribution, latency percentiles and throughput
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const baseUnitsPerCoin = 1_000_000_000

// MonitorRequest is the Kestrel API request format.
type MonitorRequest struct {
	User      string `json:"user"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	Type      string `json:"type"`
}

// MonitorResult is the subset of the response the benchmark cares about.
type MonitorResult struct {
	Verdict   string `json:"verdict"`
	RiskScore uint32 `json:"riskScore"`
}

type stats struct {
	approved  atomic.Int64
	flagged   atomic.Int64
	blocked   atomic.Int64
	errors    atomic.Int64
	rejected  atomic.Int64
	latencies []time.Duration
	mu        sync.Mutex
}

func (s *stats) record(latency time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, latency)
	s.mu.Unlock()
}

func main() {
	var (
		baseURL   = flag.String("url", "http://localhost:8080", "Kestrel base URL")
		tenant    = flag.String("tenant", "bench-tenant", "tenant ID")
		authority = flag.String("authority", "bench-authority", "admin authority key")
		users     = flag.Int("users", 100, "number of synthetic users")
		count     = flag.Int("count", 10000, "total monitor requests")
		workers   = flag.Int("workers", 16, "concurrent workers")
	)
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	fmt.Println("Seeding tenant...")
	if err := seed(client, *baseURL, *tenant, *authority, *users); err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Running %d requests against %s with %d workers...\n", *count, *baseURL, *workers)

	var s stats
	jobs := make(chan int, *workers)
	var wg sync.WaitGroup

	start := time.Now()
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			for i := range jobs {
				runOne(client, *baseURL, *tenant, *users, i, rng, &s)
			}
		}()
	}
	for i := 0; i < *count; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	elapsed := time.Since(start)

	report(&s, *count, elapsed)
}

// seed initializes the config and registers the synthetic profiles. A 400 on
// config init means the tenant is already set up from a previous run.
func seed(client *http.Client, baseURL, tenant, authority string, users int) error {
	configBody := map[string]any{
		"authority":             authority,
		"highValueThresholdUsd": 10_000,
		"velocityThreshold":     1_000_000,
		"maxDailyVolumeUsd":     1_000_000_000,
	}
	status, err := post(client, baseURL+"/config", tenant, "", configBody)
	if err != nil {
		return err
	}
	if status != http.StatusCreated && status != http.StatusBadRequest {
		return fmt.Errorf("config init returned %d", status)
	}

	kycLevels := []string{"none", "basic", "enhanced"}
	for i := 0; i < users; i++ {
		body := map[string]any{
			"user":     fmt.Sprintf("bench-user-%04d", i),
			"kycLevel": kycLevels[i%len(kycLevels)],
		}
		status, err := post(client, baseURL+"/profiles", tenant, authority, body)
		if err != nil {
			return err
		}
		if status != http.StatusCreated && status != http.StatusConflict {
			return fmt.Errorf("profile registration returned %d", status)
		}
	}
	return nil
}

func runOne(client *http.Client, baseURL, tenant string, users, i int, rng *rand.Rand, s *stats) {
	// Mostly small transfers with an occasional high-value outlier.
	usd := uint64(rng.Intn(500) + 1)
	if rng.Intn(100) < 5 {
		usd = uint64(rng.Intn(50_000) + 10_000)
	}

	req := MonitorRequest{
		User:      fmt.Sprintf("bench-user-%04d", i%users),
		Recipient: fmt.Sprintf("bench-recipient-%04d", rng.Intn(1000)),
		Amount:    usd * baseUnitsPerCoin,
		Type:      "transfer",
	}

	raw, _ := json.Marshal(req)
	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/monitor", bytes.NewReader(raw))
	if err != nil {
		s.errors.Add(1)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenant)

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		s.errors.Add(1)
		return
	}
	defer resp.Body.Close()
	s.record(time.Since(start))

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		s.rejected.Add(1)
		return
	}

	var result MonitorResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		s.errors.Add(1)
		return
	}

	switch result.Verdict {
	case "approved":
		s.approved.Add(1)
	case "flagged":
		s.flagged.Add(1)
	case "blocked":
		s.blocked.Add(1)
	default:
		s.errors.Add(1)
	}
}

func report(s *stats, count int, elapsed time.Duration) {
	sort.Slice(s.latencies, func(i, j int) bool { return s.latencies[i] < s.latencies[j] })

	pct := func(p float64) time.Duration {
		if len(s.latencies) == 0 {
			return 0
		}
		idx := int(float64(len(s.latencies)-1) * p)
		return s.latencies[idx]
	}

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║          KESTREL BENCHMARK REPORT         ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Requests:    %d in %s\n", count, elapsed.Round(time.Millisecond))
	fmt.Printf("  Throughput:  %.1f req/s\n", float64(count)/elapsed.Seconds())
	fmt.Println()
	fmt.Printf("  Approved:    %d\n", s.approved.Load())
	fmt.Printf("  Flagged:     %d\n", s.flagged.Load())
	fmt.Printf("  Blocked:     %d\n", s.blocked.Load())
	fmt.Printf("  Rejected:    %d (non-200)\n", s.rejected.Load())
	fmt.Printf("  Errors:      %d\n", s.errors.Load())
	fmt.Println()
	fmt.Printf("  Latency p50: %s\n", pct(0.50).Round(time.Microsecond))
	fmt.Printf("  Latency p95: %s\n", pct(0.95).Round(time.Microsecond))
	fmt.Printf("  Latency p99: %s\n", pct(0.99).Round(time.Microsecond))
	fmt.Println()
}

func post(client *http.Client, url, tenant, authority string, body any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenant)
	if authority != "" {
		req.Header.Set("X-Authority-Key", authority)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
