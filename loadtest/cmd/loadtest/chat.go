package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/buddy-chat/loadtest/client"
	"github.com/whisper/buddy-chat/loadtest/stats"
)

// runChat pairs users as buddies, opens their direct room and has both sides
// send messages at a fixed interval. The receiving side records delivery
// latency and periodically marks the room read.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	cf := addConnectFlags(fs)
	pairs := fs.Int("pairs", 100, "Number of buddy pairs")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message body in bytes")
	typing := fs.Bool("typing", true, "Send a typing indicator before each message")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	total := *pairs * 2
	fmt.Printf("Chat test: %d pairs (%d clients) to %s (chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, total, *cf.url, *chatDuration, *msgInterval, *msgSize)
	if *msgInterval < 2*time.Second {
		fmt.Println("Note: intervals under 2s exceed the 30 messages/minute limit and will be rate limited.")
	}

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

	var sent, received atomic.Int64
	for _, c := range clients {
		if c == nil {
			continue
		}
		self := c.UserID()
		c.On("message_created", func(evt client.Event) {
			var m struct {
				AuthorID string `json:"author_id"`
				Body     string `json:"body"`
			}
			if json.Unmarshal(evt.Data, &m) != nil || m.AuthorID == self {
				return
			}
			received.Add(1)
			if d, ok := sinceStamp(m.Body); ok {
				collector.AddLatency("delivery", d)
			}
		})
	}

	fmt.Println("\n--- Phase 2: Befriend pairs and open rooms ---")
	active := pairUp(ctx, clients, collector)
	rooms := make(map[*client.Client]string, len(active))
	for i := 0; i+1 < len(active); i += 2 {
		a, b := active[i], active[i+1]
		conv, err := ensureRoom(ctx, a, b.UserID())
		if err != nil {
			record(collector, err)
			continue
		}
		// The peer joins too so it holds the room's subscriptions.
		if _, err := ensureRoom(ctx, b, a.UserID()); err != nil {
			record(collector, err)
			continue
		}
		rooms[a], rooms[b] = conv, conv
	}
	fmt.Printf("%d rooms open\n", len(rooms)/2)

	fmt.Println("\n--- Phase 3: Exchange messages ---")
	filler := strings.Repeat("x", *msgSize)
	runCtx, cancel := context.WithTimeout(ctx, *chatDuration)
	defer cancel()

	var wg sync.WaitGroup
	for c, conv := range rooms {
		wg.Add(1)
		go func(c *client.Client, conv string) {
			defer wg.Done()
			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()
			for n := 1; ; n++ {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
				}
				if *typing {
					c.Call(runCtx, client.TypeTyping, map[string]interface{}{"conversation_id": conv, "is_typing": true})
				}
				start := time.Now()
				_, err := c.Call(runCtx, client.TypeSendMessage, map[string]interface{}{
					"conversation_id": conv,
					"body":            stamp(filler),
				})
				if err != nil {
					if runCtx.Err() == nil {
						record(collector, err)
					}
					continue
				}
				sent.Add(1)
				collector.AddLatency("send_message", time.Since(start))

				if n%5 == 0 {
					start = time.Now()
					if _, err := c.Call(runCtx, client.TypeMarkRead, map[string]interface{}{"conversation_id": conv}); err == nil {
						collector.AddLatency("mark_read", time.Since(start))
					} else if runCtx.Err() == nil {
						record(collector, err)
					}
				}
			}
		}(c, conv)
	}

	progressTicker := time.NewTicker(5 * time.Second)
	defer progressTicker.Stop()
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case <-progressTicker.C:
				fmt.Printf("  [chat] sent: %d  delivered: %d  errors: %d\n",
					sent.Load(), received.Load(), collector.ErrorCount())
			}
		}
	}()
	wg.Wait()

	// Let in-flight deliveries land before reporting.
	time.Sleep(time.Second)
	fmt.Printf("\nMessages sent: %d  delivered: %d\n", sent.Load(), received.Load())
}

func ensureRoom(ctx context.Context, c *client.Client, peer string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	raw, err := c.Call(callCtx, client.TypeEnsureDirectRoom, map[string]interface{}{"user_id": peer})
	if err != nil {
		return "", fmt.Errorf("ensure_direct_room: %w", err)
	}
	var conv struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &conv); err != nil {
		return "", fmt.Errorf("decode room: %w", err)
	}
	return conv.ID, nil
}
