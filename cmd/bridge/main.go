package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/thobiasn/bridge/internal/broker"
	"github.com/thobiasn/bridge/internal/protocol"
	"github.com/thobiasn/bridge/internal/tui"
)

// version is set via -ldflags at build time.
var version = "dev"

const defaultSocket = "/run/bridge/bridge.sock"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--version", "-version":
			fmt.Println("bridge " + version)
			return
		case "top":
			runTop(os.Args[2:])
			return
		case "sub", "pub", "unsub":
			runClientCmd(os.Args[1], os.Args[2:])
			return
		}
	}
	runBroker(os.Args[1:])
}

// brokerAction is the result of parsing the broker command line.
type brokerAction struct {
	configPath string
	headless   bool
	port       int // 0 keeps the configured listen address
}

func brokerUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage:\n  bridge [flags] [port]\n  bridge top [-socket path]\n  bridge sub|pub|unsub [-width n] <addr> <topic>\n\nFlags:\n")
}

// parseBrokerArgs parses the broker flags and the optional port argument.
func parseBrokerArgs(args []string) (*brokerAction, error) {
	fs := flag.NewFlagSet("bridge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to config file")
	headless := fs.Bool("headless", false, "run without the dashboard")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	act := &brokerAction{configPath: *configPath, headless: *headless}
	rest := fs.Args()
	if len(rest) > 1 {
		return nil, fmt.Errorf("unexpected arguments: %v", rest[1:])
	}
	if len(rest) == 1 {
		port, err := strconv.Atoi(rest[0])
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid port %q: must be 1-65535", rest[0])
		}
		act.port = port
	}
	return act, nil
}

func runBroker(args []string) {
	act, err := parseBrokerArgs(args)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		brokerUsage(os.Stderr)
		os.Exit(1)
	}

	cfg, err := broker.LoadConfig(act.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if act.port != 0 {
		cfg.Broker.Listen = ":" + strconv.Itoa(act.port)
	}

	logClose, err := setupLogging(cfg.Log, !act.headless)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer logClose()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := broker.New(cfg)
	if err != nil {
		slog.Error("failed to create broker", "error", err)
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if act.headless {
		if err := b.Run(ctx); err != nil {
			slog.Error("broker stopped with error", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := runWithDashboard(ctx, b); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// runWithDashboard serves the broker in the background while the dashboard
// owns the terminal. Quitting the dashboard stops the broker.
func runWithDashboard(ctx context.Context, b *broker.Broker) error {
	if err := b.Start(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	src := tui.NewLocalSource(b)
	_, tuiErr := runDashboard(ctx, src)

	cancel()
	if err := <-done; err != nil {
		return err
	}
	if tuiErr != nil {
		return fmt.Errorf("tui: %w", tuiErr)
	}
	return nil
}

// runDashboard runs the dashboard until the user quits or ctx is cancelled.
func runDashboard(ctx context.Context, src tui.Source) (tea.Model, error) {
	defer src.Close()
	p := tea.NewProgram(tui.NewApp(src), tea.WithAltScreen(), tea.WithContext(ctx))
	if err := src.Start(p.Send); err != nil {
		return nil, fmt.Errorf("start stream: %w", err)
	}
	model, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		err = nil
	}
	return model, err
}

func runTop(args []string) {
	fs := flag.NewFlagSet("top", flag.ExitOnError)
	socketPath := fs.String("socket", defaultSocket, "path to broker admin socket")
	fs.Parse(args)

	c, err := tui.Dial(*socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := runDashboard(ctx, c); err != nil {
		fmt.Fprintf(os.Stderr, "tui: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging installs the default slog logger. When the dashboard owns
// the terminal, output goes to log.file or nowhere.
func setupLogging(cfg broker.LogConfig, dashboard bool) (func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	switch {
	case cfg.File != "":
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeFn = func() { f.Close() }
	case dashboard:
		w = io.Discard
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	return closeFn, nil
}

// clientAction is a parsed sub, pub or unsub command line.
type clientAction struct {
	addr  string
	topic string
	width int
}

func parseClientArgs(name string, args []string) (*clientAction, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	width := fs.Int("width", protocol.DefaultTopicWidth, "topic width in bytes")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 2 {
		return nil, fmt.Errorf("usage: bridge %s [-width n] <addr> <topic>", name)
	}
	if *width < 1 || *width > 255 {
		return nil, fmt.Errorf("width must be 1-255, got %d", *width)
	}
	return &clientAction{addr: fs.Arg(0), topic: fs.Arg(1), width: *width}, nil
}

func runClientCmd(name string, args []string) {
	act, err := parseClientArgs(name, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch name {
	case "sub":
		err = runSub(ctx, act, os.Stdout)
	case "pub":
		var acks int
		acks, err = protocol.Publish(ctx, act.addr, act.topic, act.width, os.Stdin)
		if err == nil {
			fmt.Fprintf(os.Stderr, "%d chunks acknowledged\n", acks)
		}
	case "unsub":
		err = protocol.Unsubscribe(ctx, act.addr, act.topic, act.width)
	}
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
}

// runSub copies every published payload to w until ctx is cancelled or the
// broker drops the subscription.
func runSub(ctx context.Context, act *clientAction, w io.Writer) error {
	sub, err := protocol.Subscribe(ctx, act.addr, act.topic, act.width)
	if err != nil {
		return err
	}
	defer sub.Close()
	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	for {
		payload, err := sub.Next()
		if errors.Is(err, protocol.ErrEndOfStream) {
			continue
		}
		if err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
}
