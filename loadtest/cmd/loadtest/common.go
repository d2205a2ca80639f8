package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/buddy-chat/loadtest/client"
	"github.com/whisper/buddy-chat/loadtest/stats"
)

// connectFlags are shared by every scenario.
type connectFlags struct {
	url         *string
	secret      *string
	issuer      *string
	prefix      *string
	rampUp      *time.Duration
	concurrency *int
}

func addConnectFlags(fs *flag.FlagSet) connectFlags {
	return connectFlags{
		url:         fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL"),
		secret:      fs.String("secret", "dev-secret", "JWT_SECRET of the server under test"),
		issuer:      fs.String("issuer", "", "JWT_ISSUER of the server under test"),
		prefix:      fs.String("prefix", fmt.Sprintf("load-%d", time.Now().Unix()), "User id prefix for synthetic users"),
		rampUp:      fs.Duration("ramp", 10*time.Second, "Ramp-up duration"),
		concurrency: fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up"),
	}
}

// connectAll opens n connections for users <prefix>-0 .. <prefix>-(n-1),
// spreading the dials over the ramp-up duration. Slots whose dial failed are
// nil. It stops launching when ctx is cancelled.
func connectAll(ctx context.Context, f connectFlags, n int, collector *stats.Collector) ([]*client.Client, bool) {
	minter := client.NewMinter(*f.secret, *f.issuer)
	clients := make([]*client.Client, n)

	interval := *f.rampUp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent connection attempts.
	sem := make(chan struct{}, *f.concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				current := collector.ConnectionCount()
				rate := float64(current-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					current, n, collector.ErrorCount(), rate)
				lastCount = current
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	interrupted := false
	ticker := time.NewTicker(interval)
launch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			userID := fmt.Sprintf("%s-%d", *f.prefix, i)
			token, err := minter.Token(userID, time.Hour)
			if err != nil {
				collector.AddError()
				return
			}

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			c, err := client.New(connCtx, *f.url, token)
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			clients[i] = c
		}(i)
	}
	ticker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	return clients, interrupted
}

// befriend makes a and b buddies: a requests, b accepts.
func befriend(ctx context.Context, a, b *client.Client) error {
	raw, err := a.Call(ctx, client.TypeAddBuddy, map[string]interface{}{"user_id": b.UserID()})
	if err != nil {
		return fmt.Errorf("add_buddy: %w", err)
	}
	var rel struct {
		RelationshipID string `json:"relationship_id"`
	}
	if err := json.Unmarshal(raw, &rel); err != nil {
		return fmt.Errorf("decode add_buddy: %w", err)
	}
	if _, err := b.Call(ctx, client.TypeAcceptBuddy, map[string]interface{}{"relationship_id": rel.RelationshipID}); err != nil {
		return fmt.Errorf("accept_buddy: %w", err)
	}
	return nil
}

// record counts a failed call, separating rate limiting from other errors.
func record(collector *stats.Collector, err error) {
	if errors.Is(err, client.ErrRateLimited) {
		collector.AddRateLimited()
		return
	}
	collector.AddError()
}

func closeAll(clients []*client.Client) {
	fmt.Println("\n--- Cleanup ---")
	closed := 0
	for _, c := range clients {
		if c != nil {
			c.Close()
			closed++
		}
	}
	fmt.Printf("Closed %d connections.\n", closed)
}
