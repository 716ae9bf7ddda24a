package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/visagelabs/visage-core/internal/config"
	"github.com/visagelabs/visage-core/internal/journal"
	"github.com/visagelabs/visage-core/internal/protocol"
	"github.com/visagelabs/visage-core/internal/stylepack"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'announce', 'stop', 'sessions', 'events' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:])
	case "announce":
		err = runAnnounce(os.Args[2:])
	case "stop":
		err = runStop(os.Args[2:])
	case "sessions":
		err = runSessions(os.Args[2:])
	case "events":
		err = runEvents(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	path := fs.String("file", stylepack.ManifestFile, "Path to style pack manifest")
	fs.Parse(args)

	m, err := stylepack.Load(*path)
	if err != nil {
		return err
	}
	if err := stylepack.Validate(m); err != nil {
		return err
	}
	fmt.Println("manifest valid")
	return nil
}

func runAnnounce(args []string) error {
	fs := flag.NewFlagSet("announce", flag.ExitOnError)
	servers := fs.String("servers", "nats://localhost:4222", "Comma-separated NATS servers")
	app := fs.String("app", "", "Foreground application identity")
	surfaces := fs.String("surfaces", "", "Comma-separated visible UI element hints")
	fs.Parse(args)

	if *app == "" {
		return fmt.Errorf("--app is required")
	}
	evt := protocol.ForegroundEvent{
		App:       *app,
		Timestamp: time.Now().UTC(),
	}
	if *surfaces != "" {
		evt.Surfaces = strings.Split(*surfaces, ",")
	}
	return publish(*servers, protocol.SubjectForegroundChange, evt)
}

func runStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	servers := fs.String("servers", "nats://localhost:4222", "Comma-separated NATS servers")
	app := fs.String("app", "", "Application whose session should stop")
	fs.Parse(args)

	if *app == "" {
		return fmt.Errorf("--app is required")
	}
	sig := protocol.StopSignal{App: *app, Timestamp: time.Now().UTC()}
	return publish(*servers, protocol.SubjectForegroundStop, sig)
}

func runSessions(args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	dbPath := fs.String("db", config.Default().Journal.Path, "Path to the session journal")
	limit := fs.Int("limit", 20, "Maximum sessions to list")
	fs.Parse(args)

	cfg := config.JournalConfig{Path: *dbPath, RetentionMode: "persistent"}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	jnl, err := journal.Open(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer jnl.Close()

	sessions, err := jnl.RecentSessions(context.Background(), *limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions recorded")
		return nil
	}
	for _, s := range sessions {
		ended := "active"
		if !s.EndedAt.IsZero() {
			ended = fmt.Sprintf("%s (%s)", s.EndedAt.Format(time.RFC3339), s.EndReason)
		}
		fmt.Printf("%s  app=%s style=%s tier=%s started=%s ended=%s\n",
			s.ID, s.App, s.Style, s.Tier, s.StartedAt.Format(time.RFC3339), ended)
	}
	return nil
}

func runEvents(args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	dbPath := fs.String("db", config.Default().Journal.Path, "Path to the session journal")
	session := fs.String("session", "", "Session identifier")
	limit := fs.Int("limit", 100, "Maximum events to list")
	fs.Parse(args)

	if *session == "" {
		return fmt.Errorf("--session is required")
	}
	cfg := config.JournalConfig{Path: *dbPath, RetentionMode: "persistent"}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	jnl, err := journal.Open(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer jnl.Close()

	events, err := jnl.ListSessionEvents(context.Background(), *session, *limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("no events recorded")
		return nil
	}
	for _, e := range events {
		fmt.Printf("%s  %-14s %s\n", e.CreatedAt.Format(time.RFC3339), e.Type, e.Payload)
	}
	return nil
}

func publish(servers, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	conn, err := nats.Connect(servers, nats.Name("visagectl"), nats.Timeout(2*time.Second))
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	defer conn.Close()

	if err := conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return conn.Flush()
}
