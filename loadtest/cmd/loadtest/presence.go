package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/buddy-chat/loadtest/client"
	"github.com/whisper/buddy-chat/loadtest/stats"
)

const stampPrefix = "t="

// stamp encodes the send time into a status message or message body so the
// receiving side can measure fanout latency.
func stamp(extra string) string {
	return stampPrefix + strconv.FormatInt(time.Now().UnixNano(), 10) + " " + extra
}

func sinceStamp(s string) (time.Duration, bool) {
	if !strings.HasPrefix(s, stampPrefix) {
		return 0, false
	}
	field := strings.TrimPrefix(s, stampPrefix)
	if i := strings.IndexByte(field, ' '); i >= 0 {
		field = field[:i]
	}
	ns, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Since(time.Unix(0, ns)), true
}

// runPresence pairs users as buddies and has each side cycle its status.
// Every presence_changed event seen by the other side records the fanout
// latency from set_presence to delivery.
func runPresence(args []string) {
	fs := flag.NewFlagSet("presence", flag.ExitOnError)
	cf := addConnectFlags(fs)
	pairs := fs.Int("pairs", 100, "Number of buddy pairs")
	duration := fs.Duration("duration", 30*time.Second, "How long pairs change status")
	every := fs.Duration("interval", 3*time.Second, "Interval between status changes per user")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	total := *pairs * 2
	fmt.Printf("Presence test: %d pairs (%d clients) to %s (duration=%s, interval=%s)\n",
		*pairs, total, *cf.url, *duration, *every)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect all users ---")
	clients, interrupted := connectAll(ctx, cf, total, collector)
	defer func() {
		closeAll(clients)
		scraper.Stop()
		collector.Report()
	}()
	if interrupted {
		return
	}

	for _, c := range clients {
		if c == nil {
			continue
		}
		c.On("presence_changed", func(evt client.Event) {
			var p struct {
				StatusMessage string `json:"status_message"`
			}
			if json.Unmarshal(evt.Data, &p) != nil {
				return
			}
			if d, ok := sinceStamp(p.StatusMessage); ok {
				collector.AddLatency("presence fanout", d)
			}
		})
	}

	fmt.Println("\n--- Phase 2: Befriend pairs ---")
	active := pairUp(ctx, clients, collector)
	fmt.Printf("%d/%d pairs are buddies\n", len(active)/2, *pairs)

	fmt.Println("\n--- Phase 3: Change status ---")
	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()
	statuses := []string{"away", "busy", "online"}
	var wg sync.WaitGroup
	for _, c := range active {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			ticker := time.NewTicker(*every)
			defer ticker.Stop()
			for n := 0; ; n++ {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
				}
				start := time.Now()
				_, err := c.Call(runCtx, client.TypeSetPresence, map[string]interface{}{
					"status":  statuses[n%len(statuses)],
					"message": stamp(c.UserID()),
				})
				if err != nil {
					if runCtx.Err() == nil {
						record(collector, err)
					}
					continue
				}
				collector.AddLatency("set_presence", time.Since(start))
			}
		}(c)
	}
	wg.Wait()
}

// pairUp befriends clients[2i] with clients[2i+1] and returns the members of
// every pair that succeeded.
func pairUp(ctx context.Context, clients []*client.Client, collector *stats.Collector) []*client.Client {
	var mu sync.Mutex
	var active []*client.Client
	var wg sync.WaitGroup
	sem := make(chan struct{}, 50)
	for i := 0; i+1 < len(clients); i += 2 {
		a, b := clients[i], clients[i+1]
		if a == nil || b == nil {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := befriend(callCtx, a, b); err != nil {
				record(collector, err)
				return
			}
			mu.Lock()
			active = append(active, a, b)
			mu.Unlock()
		}()
	}
	wg.Wait()
	// Roster events resubscribe presence asynchronously.
	time.Sleep(500 * time.Millisecond)
	return active
}
