// Command satlens annotates fiat prices in HTML with their bitcoin value.
//
//	satlens -rate 65000 -file page.html > out.html
//	satlens -rate 65000 -url https://shop.example/item -render
//	domwatch ... | satlens -rate 65000 -watch
//	satlens -serve -config satlens.yaml
//	satlens -mcp
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/net/html"

	"github.com/hazyhaar/satlens/annotate"
	"github.com/hazyhaar/satlens/dbopen"
	"github.com/hazyhaar/satlens/observability"
	"github.com/hazyhaar/satlens/pagesource"
	"github.com/hazyhaar/satlens/service"
	"github.com/hazyhaar/satlens/watch"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes one invocation and returns the exit code. Deferred closes
// (metrics store, browser) run before the process exits.
func run(args []string) int {
	fs := flag.NewFlagSet("satlens", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	file := fs.String("file", "", "annotate a local HTML file (- for stdin)")
	pageURL := fs.String("url", "", "annotate the page at this URL")
	render := fs.Bool("render", false, "load pages in headless Chrome")
	remote := fs.String("remote", "", "DevTools WebSocket URL of an external Chrome")
	rate := fs.Float64("rate", 0, "fiat units per BTC")
	out := fs.String("out", "", "write annotated HTML here instead of stdout")
	serve := fs.Bool("serve", false, "run the HTTP service")
	mcpMode := fs.Bool("mcp", false, "run the MCP server on stdio")
	watchMode := fs.Bool("watch", false, "follow a domwatch stream on stdin")
	metricsDB := fs.String("metrics-db", "", "SQLite file for scan metrics")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var lvl slog.Level
	switch *logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := annotate.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = annotate.LoadConfig(*configPath); err != nil {
			slog.Error("config", "error", err)
			return 1
		}
	}
	if *metricsDB != "" {
		cfg.Metrics.DBPath = *metricsDB
	}

	var recorder *observability.Recorder
	if cfg.Metrics.DBPath != "" {
		db, err := dbopen.Open(cfg.Metrics.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
		if err != nil {
			slog.Error("metrics db", "error", err)
			return 1
		}
		defer db.Close()
		recorder = observability.NewRecorder(db, cfg.Metrics.BufferSize, cfg.Metrics.FlushInterval, logger)
		defer recorder.Close()
		go cleanupLoop(ctx, recorder)
	}

	// Local runs may load intranet pages; served requests may not.
	trusted := !*serve && !*mcpMode
	fetchOpts := []pagesource.FetchOption{pagesource.WithLogger(logger)}
	if trusted {
		fetchOpts = append(fetchOpts, pagesource.WithAllowPrivate())
	}

	var renderer *pagesource.Renderer
	if *render || *remote != "" {
		renderer = pagesource.NewRenderer(pagesource.RenderConfig{RemoteURL: *remote, AllowPrivate: trusted, Logger: logger})
		defer renderer.Close()
	}

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithFetcher(pagesource.NewFetcher(fetchOpts...)),
	}
	if renderer != nil {
		opts = append(opts, service.WithRenderer(renderer))
	}
	if recorder != nil {
		opts = append(opts, service.WithRecorder(recorder))
	}
	svc, err := service.New(cfg, opts...)
	if err != nil {
		slog.Error("service", "error", err)
		return 1
	}

	switch {
	case *serve:
		if *configPath != "" {
			go watchConfig(ctx, svc, *configPath, logger)
		}
		err = runHTTP(ctx, svc, cfg, recorder, logger)
	case *mcpMode:
		srv := mcp.NewServer(&mcp.Implementation{Name: "satlens", Version: "1.0.0"}, nil)
		service.RegisterMCP(srv, svc, logger)
		err = srv.Run(ctx, &mcp.StdioTransport{})
	case *watchMode:
		var w io.WriteCloser
		if w, err = output(*out); err == nil {
			err = runWatch(ctx, os.Stdin, w, cfg, *rate, statsOption(recorder), logger)
			w.Close()
		}
	case *file != "" || *pageURL != "":
		err = runOnce(ctx, svc, *file, *pageURL, *rate, *render, *out)
	default:
		fs.Usage()
		return 2
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("satlens", "error", err)
		return 1
	}
	return 0
}

func runOnce(ctx context.Context, svc *service.Service, file, pageURL string, rate float64, render bool, out string) error {
	req := &service.Request{URL: pageURL, Rate: rate, Render: render}
	if file != "" {
		var r io.Reader = os.Stdin
		if file != "-" {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		b, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		req.HTML = string(b)
	}

	resp, err := svc.Annotate(ctx, req)
	if err != nil {
		return err
	}
	slog.Info("satlens: scan done",
		"status", resp.Result.Status,
		"conversions", resp.Result.Conversions,
		"containers", resp.Result.Containers,
		"duration", resp.Result.Duration)

	w, err := output(out)
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = io.WriteString(w, resp.HTML)
	return err
}

func runHTTP(ctx context.Context, svc *service.Service, cfg *annotate.Config, recorder *observability.Recorder, logger *slog.Logger) error {
	hc := service.HandlerConfig{
		TokenHash: cfg.Server.TokenHash,
		MaxBody:   cfg.Server.MaxBody,
		RateLimit: cfg.Server.RateLimit,
		Logger:    logger,
	}
	if recorder != nil {
		hc.Stats = recorder
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           service.Handler(svc, hc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("satlens: listening", "addr", srv.Addr, "auth", cfg.Server.TokenHash != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func statsOption(r *observability.Recorder) []annotate.Option {
	if r == nil {
		return nil
	}
	return []annotate.Option{annotate.WithStatsRecorder(r)}
}

// watchConfig reloads the engine tables when the config file changes.
// Server settings only apply at startup.
func watchConfig(ctx context.Context, svc *service.Service, path string, logger *slog.Logger) {
	w := watch.New(watch.FileModTime(path), watch.Options{
		Interval: 2 * time.Second,
		Debounce: 500 * time.Millisecond,
		Logger:   logger,
	})
	w.OnChange(ctx, func() error {
		cfg, err := annotate.LoadConfig(path)
		if err != nil {
			return err
		}
		return svc.SetConfig(cfg)
	})
}

// cleanupLoop drops metrics older than a week, once a day.
func cleanupLoop(ctx context.Context, r *observability.Recorder) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Cleanup(ctx, 7); err != nil {
				slog.Warn("satlens: metrics cleanup", "error", err)
			} else if n > 0 {
				slog.Info("satlens: metrics cleanup", "deleted", n)
			}
		}
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func output(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

func renderDoc(w io.Writer, root *html.Node) error {
	var sb strings.Builder
	if err := html.Render(&sb, root); err != nil {
		return err
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
