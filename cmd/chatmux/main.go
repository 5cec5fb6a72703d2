package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bitechdev/ChatMux/pkg/chat"
	"github.com/bitechdev/ChatMux/pkg/chatclient"
	"github.com/bitechdev/ChatMux/pkg/config"
	"github.com/bitechdev/ChatMux/pkg/errortracking"
	"github.com/bitechdev/ChatMux/pkg/logger"
	"github.com/bitechdev/ChatMux/pkg/metrics"
	"github.com/bitechdev/ChatMux/pkg/receipts"
	"github.com/bitechdev/ChatMux/pkg/server"
	"github.com/bitechdev/ChatMux/pkg/tracing"
)

type flags struct {
	configFile string
	room       string
	user       string
	token      string
	provider   string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("chatmux", flag.ContinueOnError)
	fs.StringVar(&f.configFile, "config", "", "path to a config file (default: search chatmux.yaml)")
	fs.StringVar(&f.room, "room", "", "room id to open")
	fs.StringVar(&f.user, "user", "", "user id, overrides identity.user_id")
	fs.StringVar(&f.token, "token", "", "access token, overrides identity.token")
	fs.StringVar(&f.provider, "provider", "", "transport provider, overrides transport.provider")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}

func loadConfig(f flags) (*config.Config, error) {
	var opts []config.Option
	if f.configFile != "" {
		opts = append(opts, config.WithConfigFile(f.configFile))
	}
	mgr := config.NewManagerWithOptions(opts...)
	if err := mgr.Load(); err != nil {
		return nil, err
	}
	if f.user != "" {
		mgr.Set("identity.user_id", f.user)
	}
	if f.token != "" {
		mgr.Set("identity.token", f.token)
	}
	if f.provider != "" {
		mgr.Set("transport.provider", f.provider)
	}
	return mgr.GetConfig()
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logger.Dev)
	if cfg.Logger.Path != "" {
		logger.UpdateLoggerPath(cfg.Logger.Path, cfg.Logger.Dev)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, f.room, os.Stdin, os.Stdout); err != nil {
		logger.Error("chatmux exited: %v", err)
		os.Exit(1)
	}
}

// run connects, serves the status endpoint and pipes the room to out until
// ctx is cancelled or in is exhausted.
func run(ctx context.Context, cfg *config.Config, room string, in io.Reader, out io.Writer) error {
	tracker, err := errortracking.NewProviderFromConfig(cfg.ErrorTracking)
	if err != nil {
		return fmt.Errorf("error tracking: %w", err)
	}
	logger.InitErrorTracking(tracker)
	defer func() {
		if err := logger.CloseErrorTracking(); err != nil {
			logger.Warn("Error tracking close failed: %v", err)
		}
	}()

	shutdownTracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Endpoint:       cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	mp, err := metrics.NewProviderFromConfig(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	metrics.SetProvider(mp)

	client, err := chatclient.New(cfg)
	if err != nil {
		return err
	}

	var gs *server.GracefulServer
	if cfg.Server.Enabled {
		gs = server.NewGracefulServer(server.Config{
			Addr:            cfg.Server.Addr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			DrainTimeout:    cfg.Server.DrainTimeout,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			IdleTimeout:     cfg.Server.IdleTimeout,
		})
		gs.SetHandler(server.NewStatusRouter(gs, client))
		if err := gs.Start(); err != nil {
			_ = client.Close(context.Background())
			return err
		}
	}

	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		if gs != nil {
			gs.OnShutdown(client.Close)
			gs.OnShutdown(shutdownTracer)
			errs = append(errs, gs.ShutdownWithCallbacks(sctx))
		} else {
			errs = append(errs, client.Close(sctx), shutdownTracer(sctx))
		}
		return errors.Join(errs...)
	}

	logger.Info("ChatMux starting for user %s", cfg.Identity.UserID)
	if err := client.Start(ctx); err != nil {
		_ = shutdown()
		return err
	}

	err = converse(ctx, client, room, in, out)
	if serr := shutdown(); serr != nil {
		logger.Warn("Shutdown: %v", serr)
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// converse prints the room's history and live messages, and sends every line
// read from in. Without a room it prints the room list and waits for ctx.
func converse(ctx context.Context, client *chatclient.Client, room string, in io.Reader, out io.Writer) error {
	if room == "" {
		for _, r := range client.Inbox().Rooms() {
			fmt.Fprintf(out, "#%s %s (%d unread)\n", r.RoomID, r.RoomName, r.UnreadCount)
		}
		<-ctx.Done()
		return ctx.Err()
	}

	id, err := chat.ParseRoomID(room)
	if err != nil {
		return err
	}

	past, err := client.History(ctx, id)
	if err != nil {
		logger.Warn("History for room %s unavailable: %v", id, err)
	}
	for i := range past {
		printMessage(out, &past[i])
	}

	view, err := client.OpenRoom(ctx, id, receipts.HandlerFunc(func(_ context.Context, msg *chat.Message) error {
		printMessage(out, msg)
		return nil
	}))
	if err != nil {
		return err
	}
	defer view.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if _, err := client.Send(ctx, id, line); err != nil {
				logger.Warn("Send to room %s failed: %v", id, err)
			}
		}
	}
}

func printMessage(out io.Writer, msg *chat.Message) {
	name := msg.SenderName
	if name == "" {
		name = msg.SenderID
	}
	fmt.Fprintf(out, "[%s] %s: %s\n", msg.Timestamp, name, msg.Content)
}
