package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/buddy-chat/loadtest/client"
	"github.com/whisper/buddy-chat/loadtest/stats"
)

// runSaturate implements the connection saturation test. It opens a specified
// number of authenticated connections, ramping up over a configurable
// duration, then holds them open while every client heartbeats. It finds the
// connection capacity before the server starts refusing or dropping clients.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	cf := addConnectFlags(fs)
	connections := fs.Int("connections", 1000, "Number of connections to open")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	heartbeat := fs.Duration("heartbeat", 15*time.Second, "Heartbeat interval per client during hold")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *cf.url, *cf.rampUp, *hold, *cf.concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	fmt.Println("\n--- Ramp-up phase ---")
	rampStart := time.Now()
	clients, interrupted := connectAll(ctx, cf, *connections, collector)
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		initialAlive := collector.ConnectionCount()
		fmt.Printf("Holding %d connections for %s...\n", initialAlive, *hold)

		holdCtx, cancel := context.WithTimeout(ctx, *hold)
		var wg sync.WaitGroup
		for _, c := range clients {
			if c == nil {
				continue
			}
			wg.Add(1)
			go func(c *client.Client) {
				defer wg.Done()
				heartbeatLoop(holdCtx, c, *heartbeat, collector)
			}(c)
		}

		statusTicker := time.NewTicker(5 * time.Second)
	holdLoop:
		for {
			select {
			case <-holdCtx.Done():
				break holdLoop
			case <-statusTicker.C:
				alive := 0
				for _, c := range clients {
					if c != nil && c.Alive() {
						alive++
					}
				}
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n",
					alive, initialAlive, initialAlive-alive)
			}
		}
		statusTicker.Stop()
		cancel()
		wg.Wait()
		fmt.Println("\nHold period complete.")
	}

	closeAll(clients)
	collector.Report()
}

// heartbeatLoop keeps c online until ctx is done, recording round trips.
func heartbeatLoop(ctx context.Context, c *client.Client, every time.Duration, collector *stats.Collector) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := c.Call(callCtx, client.TypeHeartbeat, nil)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					record(collector, err)
				}
				continue
			}
			collector.AddLatency("heartbeat", time.Since(start))
		}
	}
}
