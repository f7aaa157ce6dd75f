package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/PratikDhanave/journal-sync-service/internal/config"
	"github.com/PratikDhanave/journal-sync-service/internal/mirror"
	"github.com/PratikDhanave/journal-sync-service/internal/models"
)

// main runs a terminal mirror: bulk load, print the visible prefix, then follow
// new events by polling or, with LIVE=true, through the server's live channel.
// Commands on stdin: "more", "refresh", "stats", "quit".
func main() {
	cfg, err := config.LoadMirror()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := mirror.New(mirror.NewHTTPSource(cfg.ServerURL, cfg.APIKey, cfg.RequestTimeout), mirror.Options{
		InitialDisplayCount: cfg.InitialDisplayCount,
		LoadMoreCount:       cfg.LoadMoreCount,
		PollInterval:        cfg.PollInterval,
		PollWindow:          cfg.PollWindow,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return report(gctx, m) })

	if err := m.Load(gctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("mirror: showing partial data: %v", err)
	}
	printEvents(m.Visible())
	printStats(m.Stats())

	if cfg.Live {
		sub := mirror.NewSubscriber(cfg.ServerURL, mirror.SubscriberOptions{APIKey: cfg.APIKey, MaxTries: cfg.ReconnectMaxTries})
		g.Go(func() error {
			err := sub.Follow(gctx, m)
			if errors.Is(err, mirror.ErrChannelClosed) {
				// fall back to polling once the live channel is gone
				log.Printf("mirror: %v, polling instead", err)
				return m.Run(gctx)
			}
			return err
		})
	} else {
		g.Go(func() error { return m.Run(gctx) })
	}

	g.Go(func() error {
		commands(gctx, m)
		stop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func commands(ctx context.Context, m *mirror.Mirror) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return
			}
			switch cmd {
			case "more":
				before := len(m.Visible())
				m.RevealMore()
				visible := m.Visible()
				printEvents(visible[before:])
				if !m.HasMore() {
					fmt.Println("-- end of history --")
				}
			case "refresh":
				if err := m.Refresh(ctx); err != nil {
					log.Printf("mirror: refresh: %v", err)
				}
				printEvents(m.Visible())
			case "stats":
				printStats(m.Stats())
			case "quit", "exit":
				return
			case "":
			default:
				fmt.Println(`commands: more, refresh, stats, quit`)
			}
		}
	}
}

// report prints state transitions and newly merged events.
func report(ctx context.Context, m *mirror.Mirror) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-m.Changes():
			switch {
			case c.State == mirror.StateBulkLoading:
				_, expected := m.Progress()
				fmt.Printf("loading %d events...\n", expected)
			case c.State == mirror.StateError:
				fmt.Printf("load failed: %v\n", c.Err)
			case c.Added > 0 && c.State == mirror.StateReady:
				fmt.Printf("+%d new (%d held, %d shown)\n", c.Added, c.Total, c.Visible)
			}
		}
	}
}

func printEvents(events []models.Event) {
	for _, e := range events {
		line := fmt.Sprintf("%s  %-24s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Type)
		if sys := e.SystemName(); sys != "" {
			line += "  " + sys
		}
		fmt.Println(line)
	}
}

func printStats(s models.EventStats) {
	fmt.Printf("events=%d jumps=%d combat=%d trading=%d exploration=%d systems=%d\n",
		s.TotalEvents, s.Jumps, s.Combat, s.Trading, s.Exploration, s.SystemsVisited)
}
