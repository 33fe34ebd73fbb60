// Command labwatch is a terminal notification client for lab staff and
// doctors. It keeps a live feed over the websocket channel, falls back to
// polling while the channel is down and accepts a few commands on stdin:
//
//	l          list the feed
//	r <id>     mark one item read
//	a          mark everything read
//	q          quit
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/lorrc/labnotify/internal/client"
	"github.com/lorrc/labnotify/internal/config"
	"github.com/lorrc/labnotify/internal/core/domain"
	"github.com/lorrc/labnotify/internal/infrastructure/logging"
)

type terminalEffects struct {
	mu  sync.Mutex
	out io.Writer
}

func (t *terminalEffects) Toast(item client.Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "\n>> %s\n", describe(item))
}

func (t *terminalEffects) Sound(domain.EventType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.out, "\a")
}

func describe(item client.Item) string {
	p := item.Payload
	switch item.Type {
	case domain.EventRequestCreated:
		return fmt.Sprintf("New request #%d for %s (%d exams) from Dr. %s", p.RequestID, p.PatientName, p.ExamCount, p.DoctorName)
	case domain.EventRequestCompleted:
		return fmt.Sprintf("Results ready for request #%d (%s)", p.RequestID, p.PatientName)
	case domain.EventRequestUpdated:
		return fmt.Sprintf("Request #%d for %s updated: %d/%d exams done", p.RequestID, p.PatientName, p.CompletedExamCount, p.ExamCount)
	}
	return fmt.Sprintf("%s #%d", item.Type, p.RequestID)
}

func printFeed(out io.Writer, items []client.Item) {
	if len(items) == 0 {
		fmt.Fprintln(out, "(no notifications)")
		return
	}
	for _, it := range items {
		mark := "*"
		if it.Read {
			mark = " "
		}
		fmt.Fprintf(out, "%s %-38s %s  %s\n", mark, it.ID, it.CreatedAt.Local().Format("15:04:05"), describe(it))
	}
}

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.Config{
		Level:       getenv("LOG_LEVEL", "warn"),
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "labwatch",
		Environment: "client",
	})

	wsURL, err := client.WebSocketURL(cfg.BaseURL, cfg.Token)
	if err != nil {
		logger.Error("invalid base url", "error", err)
		os.Exit(1)
	}

	api := client.NewRESTClient(cfg.BaseURL, cfg.Token, cfg.RequestTimeout, logger)
	effects := &terminalEffects{out: os.Stdout}

	session := client.NewSession(cfg, api, wsURL, logger,
		client.WithEngineOptions(client.WithEffects(effects)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session.Start(ctx)
	defer session.Close()

	fmt.Fprintf(os.Stdout, "labwatch: watching as %s (%s). Commands: l, r <id>, a, q\n", cfg.UserID, cfg.Role)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			switch fields[0] {
			case "l":
				items := session.Engine.Items()
				effects.mu.Lock()
				printFeed(os.Stdout, items)
				effects.mu.Unlock()
			case "r":
				if len(fields) < 2 {
					fmt.Fprintln(os.Stdout, "usage: r <id>")
					continue
				}
				session.Engine.MarkRead(fields[1])
			case "a":
				session.Engine.MarkAllRead()
			case "q":
				return
			default:
				fmt.Fprintln(os.Stdout, "commands: l, r <id>, a, q")
			}
		}
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
