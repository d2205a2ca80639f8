// Package stats aggregates client-side measurements from many load test
// clients and, optionally, server-side Prometheus metrics, and prints a
// summary with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector is safe for concurrent use by every client goroutine.
type Collector struct {
	mu          sync.Mutex
	start       time.Time
	connects    []time.Duration
	latencies   map[string][]time.Duration
	order       []string
	errors      int
	rateLimited int
	scraper     *Scraper
}

func NewCollector() *Collector {
	return &Collector{start: time.Now(), latencies: make(map[string][]time.Duration)}
}

// SetScraper makes Report include the server-side metrics s collected.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a completed handshake.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connects = append(c.connects, d)
	c.mu.Unlock()
}

// AddLatency records a sample in the named series, for example
// "send_message" round trips or "delivery" from send to the peer's event.
func (c *Collector) AddLatency(name string, d time.Duration) {
	c.mu.Lock()
	if _, ok := c.latencies[name]; !ok {
		c.order = append(c.order, name)
	}
	c.latencies[name] = append(c.latencies[name], d)
	c.mu.Unlock()
}

func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// AddRateLimited counts a request the server refused with rate_limited.
func (c *Collector) AddRateLimited() {
	c.mu.Lock()
	c.rateLimited++
	c.mu.Unlock()
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connects)
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the run summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.start)
	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", len(c.connects))
	fmt.Printf("Errors:       %d\n", c.errors)
	fmt.Printf("Rate limited: %d\n", c.rateLimited)
	if n := len(c.connects); n > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(n)*100)
	}

	if len(c.connects) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		printPercentiles(c.connects, elapsed)
	}
	for _, name := range c.order {
		fmt.Printf("\n--- %s ---\n", name)
		printPercentiles(c.latencies[name], elapsed)
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

func printPercentiles(samples []time.Duration, elapsed time.Duration) {
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	n := len(samples)
	at := func(q float64) time.Duration {
		return samples[int(math.Ceil(float64(n)*q))-1].Round(time.Microsecond)
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}

	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d, %.1f/s)\n",
		(sum / time.Duration(n)).Round(time.Microsecond),
		at(0.50), at(0.95), at(0.99),
		samples[n-1].Round(time.Microsecond),
		n, float64(n)/elapsed.Seconds(),
	)
}
