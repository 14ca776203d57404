package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/chirpsync/internal/chat"
	"github.com/alexjbarnes/chirpsync/internal/config"
	syncerr "github.com/alexjbarnes/chirpsync/internal/errors"
	"github.com/alexjbarnes/chirpsync/internal/dispatch"
	"github.com/alexjbarnes/chirpsync/internal/logging"
	"github.com/alexjbarnes/chirpsync/internal/mcpserver"
	"github.com/alexjbarnes/chirpsync/internal/messages"
	"github.com/alexjbarnes/chirpsync/internal/observability"
	"github.com/alexjbarnes/chirpsync/internal/realtime"
	"github.com/alexjbarnes/chirpsync/internal/server"
	"github.com/alexjbarnes/chirpsync/internal/state"
	"github.com/alexjbarnes/chirpsync/internal/uploads"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle the status subcommand before starting anything.
	if len(os.Args) > 1 && os.Args[1] == "status" {
		if err := status(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// status prints the persisted upload queue.
func status() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := state.Open(cfg.StateBackend, cfg.StatePath)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer store.Close()

	pending, err := store.PendingUploads()
	if err != nil {
		return fmt.Errorf("reading uploads: %w", err)
	}

	if len(pending) == 0 {
		fmt.Println("no queued uploads")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILE\tCHAT\tSTATUS\tPROGRESS\tRETRIES\tCREATED\tERROR")

	for _, u := range pending {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%d\t%s\t%s\n",
			u.ID, u.FileName, u.ChatID, u.Status, u.Progress, u.RetryCount,
			u.CreatedAt.Local().Format(time.DateTime), u.LastError)
	}

	return tw.Flush()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chirpsync starting",
		slog.String("version", Version),
		slog.String("server", cfg.BaseURL),
		slog.String("state_backend", cfg.StateBackend),
		slog.Bool("mcp", cfg.MCPListenAddr != ""),
		slog.Bool("drop_folder", cfg.UploadDropDir != ""),
	)

	store, err := state.Open(cfg.StateBackend, cfg.StatePath)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer store.Close()

	cached := store.Token()

	fromCache, err := cfg.ResolveToken(cached)
	if err != nil {
		return err
	}

	if fromCache {
		logger.Info("using cached token")
	} else if cfg.Token != cached {
		if err := store.SetToken(cfg.Token); err != nil {
			logger.Warn("failed to save token", slog.String("error", err.Error()))
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observability.Register(reg)

	api := realtime.NewAPIClient(nil, cfg.BaseURL, cfg.Token)

	conn := realtime.NewManager(realtime.ManagerConfig{
		URL:               cfg.WebsocketURL(),
		Token:             cfg.Token,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ActivityTimeout:   cfg.ActivityTimeout,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectCap:      cfg.ReconnectCap,
		MaxAttempts:       cfg.ReconnectMaxAttempts,
		DowngradeAfter:    cfg.DowngradeAfter,
		Dialer:            realtime.WSDialer{},
		Fallback:          realtime.NewFallback(api, nil, logging.Component(logger, "fallback")),
		CatchUp:           api,
		Cursor:            store,
	}, logging.Component(logger, "realtime"))

	reach, err := realtime.NewReachability(cfg.BaseURL, cfg.ReachabilityInterval, logging.Component(logger, "reachability"))
	if err != nil {
		return fmt.Errorf("creating reachability monitor: %w", err)
	}

	uploader := uploads.NewHTTPUploader(cfg.BaseURL, cfg.Token, nil)
	queue := uploads.NewManager(store, uploader, uploads.Config{
		Concurrency: cfg.UploadConcurrency,
		MaxRetries:  cfg.UploadMaxRetries,
		MaxBytes:    cfg.UploadMaxBytes,
	}, logging.Component(logger, "uploads"))

	engine := messages.New(conn, queue, messages.Config{
		UserID:         cfg.UserID,
		SendTimeout:    cfg.SendTimeout,
		EphemeralTTL:   cfg.EphemeralTTL,
		TypingThrottle: cfg.TypingThrottle,
	}, logging.Component(logger, "messages"))

	dispatcher, err := dispatch.New(engine, store, logging.Component(logger, "dispatch"))
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	// Subscribe before Run so no frame is missed.
	frames, unsubscribe := conn.Frames()
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCancel(conn.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(queue.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(engine.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(dispatcher.Run(gctx, frames)) })
	g.Go(func() error { return ignoreCancel(reach.Run(gctx, conn.SetReachable)) })
	g.Go(func() error { return logStates(gctx, conn, logger) })
	g.Go(func() error { return logNotices(gctx, dispatcher, logger) })

	restored, err := queue.Restore(ctx)
	if err != nil {
		logger.Warn("restoring upload queue failed", slog.String("error", err.Error()))
	} else if restored > 0 {
		logger.Info("restored upload queue", slog.Int("uploads", restored))
	}

	if err := conn.Connect(ctx, ""); err != nil {
		if !errors.Is(err, syncerr.ErrOffline) {
			stop()
			_ = g.Wait()

			return fmt.Errorf("connecting: %w", err)
		}

		logger.Warn("network unreachable, will connect when it returns")
	}

	if cfg.UploadDropDir != "" {
		watcher := uploads.NewDropWatcher(cfg.UploadDropDir, cfg.UploadMaxBytes, dropHandler(engine, cfg.UploadDropChatID), logging.Component(logger, "dropfolder"))
		g.Go(func() error { return ignoreCancel(watcher.Watch(gctx)) })
	}

	if cfg.MCPListenAddr != "" {
		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "chirpsync", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
			Messages:   engine,
			Uploads:    queue,
			Connection: conn,
		})

		mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil)

		mux := server.NewMux(server.MuxConfig{
			MCPHandler: mcpHandler,
			APIKey:     cfg.MCPAPIKey,
			Logger:     logging.Component(logger, "mcp"),
		})

		g.Go(func() error { return serve(gctx, "MCP", cfg.MCPListenAddr, mux, logger) })
	}

	if cfg.MetricsAddr != "" {
		mux := server.NewMux(server.MuxConfig{
			Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Logger:  logger,
		})

		g.Go(func() error { return serve(gctx, "metrics", cfg.MetricsAddr, mux, logger) })
	}

	return g.Wait()
}

// dropHandler sends each dropped file as a media message to chatID.
func dropHandler(engine *messages.Engine, chatID string) uploads.DropHandler {
	return func(ctx context.Context, f uploads.DroppedFile) error {
		_, err := engine.SendMedia(ctx, messages.Media{
			ChatID:   chatID,
			Data:     f.Data,
			FileName: f.Name,
			MIMEType: f.MIMEType,
			Subtype:  f.Subtype,
		})

		return err
	}
}

// serve runs an HTTP server until ctx is cancelled.
func serve(ctx context.Context, name, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down "+name+" server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting "+name+" server", slog.String("listen", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server error: %w", name, err)
	}

	return nil
}

// logStates reports connection state changes. Terminal changes stop
// automatic reconnection, so they are logged at error level.
func logStates(ctx context.Context, conn *realtime.Manager, logger *slog.Logger) error {
	states, unsubscribe := conn.States()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sc, ok := <-states:
			if !ok {
				return nil
			}

			attrs := []any{slog.String("from", string(sc.From)), slog.String("to", string(sc.To))}
			if sc.Err != nil {
				attrs = append(attrs, slog.String("error", sc.Err.Error()))
			}

			if sc.Terminal {
				logger.Error("connection stopped", attrs...)
			} else {
				logger.Info("connection state", attrs...)
			}
		}
	}
}

// logNotices logs presence, typing and other notices without local state.
func logNotices(ctx context.Context, d *dispatch.Dispatcher, logger *slog.Logger) error {
	notices, unsubscribe := d.Notices()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notices:
			if !ok {
				return nil
			}

			switch ev := n.Event.(type) {
			case chat.ThinkingOfYouReceivedEvent:
				logger.Info("thinking of you", slog.String("from", ev.SenderName))
			case chat.ErrorEvent:
				logger.Warn("server rejected event", slog.String("detail", ev.Detail))
			default:
				logger.Debug("notice", slog.String("type", n.Type), slog.String("source", string(n.Source)))
			}
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
