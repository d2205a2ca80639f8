package stats

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// series is one server metric followed during a run. Labelled samples of the
// same name are summed.
type series struct {
	name  string
	label string
}

var trackedGauges = []series{
	{"buddychat_connections_total", "Connections"},
	{"buddychat_subscriptions", "Subscriptions"},
	{"buddychat_messages_total", "Messages"},
	{"buddychat_events_published_total", "Events"},
	{"buddychat_ratelimit_rejections_total", "Rate limited"},
	{"buddychat_presence_forced_offline_total", "Forced offline"},
}

const (
	latencySum   = "buddychat_operation_latency_seconds_sum"
	latencyCount = "buddychat_operation_latency_seconds_count"
)

type snapshot struct {
	at     time.Time
	values map[string]float64
}

// Scraper polls the server's Prometheus endpoint during a run and reports how
// the tracked series moved.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately, then one per interval and a final one
// when ctx is cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop is safe to call more than once.
func (s *Scraper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scraper) scrapeOnce() {
	values, err := s.fetch()
	if err != nil {
		// The server may not be ready yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snapshot{at: time.Now(), values: values})
	s.mu.Unlock()
}

func (s *Scraper) fetch() (map[string]float64, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrape %s: status %d", s.metricsURL, resp.StatusCode)
	}

	wanted := map[string]bool{latencySum: true, latencyCount: true}
	for _, g := range trackedGauges {
		wanted[g.name] = true
	}

	values := make(map[string]float64)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, v, ok := parseSample(line)
		if ok && wanted[name] {
			values[name] += v
		}
	}
	return values, scanner.Err()
}

// parseSample splits a text exposition sample ("name{labels} value" or
// "name value") into the bare metric name and its value.
func parseSample(line string) (string, float64, bool) {
	var name, rest string
	if i := strings.IndexByte(line, '{'); i >= 0 {
		j := strings.LastIndexByte(line, '}')
		if j < i {
			return "", 0, false
		}
		name, rest = line[:i], line[j+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", 0, false
		}
		name, rest = fields[0], strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", 0, false
	}
	// An optional timestamp may follow the value.
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints initial, final, delta and peak for every tracked series and
// the average operation latency over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, g := range trackedGauges {
		peak := math.Inf(-1)
		for _, sn := range snaps {
			peak = math.Max(peak, sn.values[g.name])
		}
		initial, final := first.values[g.name], last.values[g.name]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n", g.label, initial, final, final-initial, peak)
	}

	fmt.Println()
	dSum := last.values[latencySum] - first.values[latencySum]
	dCount := last.values[latencyCount] - first.values[latencyCount]
	if dCount > 0 {
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", "Op latency", dSum/dCount, dCount)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Op latency")
	}
}
