package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/enginebridge/engine-gateway/internal/adapters"
	"github.com/enginebridge/engine-gateway/internal/bridge"
	"github.com/enginebridge/engine-gateway/internal/config"
	"github.com/enginebridge/engine-gateway/internal/credentials"
	"github.com/enginebridge/engine-gateway/internal/gateway"
	"github.com/enginebridge/engine-gateway/internal/monitoring"
	"github.com/enginebridge/engine-gateway/internal/upstream"
)

// runServeCommand starts the gateway server and blocks until shutdown.
func runServeCommand(args []string) {
	var (
		configFlag  string
		cookiesFlag string
		portFlag    int
		debugFlag   bool
	)

	i := 0
	for i < len(args) {
		switch args[i] {
		case "-h", "--help":
			printServeHelp()
			return
		case "-c", "--config":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: --config requires a value")
				os.Exit(1)
			}
			configFlag = args[i+1]
			i += 2
		case "--cookies":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: --cookies requires a value")
				os.Exit(1)
			}
			cookiesFlag = args[i+1]
			i += 2
		case "-p", "--port":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: --port requires a value")
				os.Exit(1)
			}
			if _, err := fmt.Sscanf(args[i+1], "%d", &portFlag); err != nil || portFlag <= 0 || portFlag > 65535 {
				fmt.Fprintf(os.Stderr, "Error: invalid port '%s'\n", args[i+1])
				os.Exit(1)
			}
			i += 2
		case "-d", "--debug":
			debugFlag = true
			i++
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown option: %s\n", args[i])
			os.Exit(1)
		}
	}

	loadEnvFiles()

	if configFlag == "" {
		configFlag = os.Getenv("ENGINE_GATEWAY_CONFIG")
	}
	if configFlag == "" {
		configFlag = "config.yaml"
	}

	cfg, err := config.Load(configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config '%s': %v\n", configFlag, err)
		os.Exit(1)
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if cookiesFlag != "" {
		cfg.Credentials.Path = cookiesFlag
	}
	if debugFlag {
		cfg.Logging.Level = "debug"
	}

	setupLogging(cfg.Logging)

	pool, err := credentials.NewPool(cfg.Credentials.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening cookie pool '%s': %v\n", cfg.Credentials.Path, err)
		os.Exit(1)
	}
	defer pool.Close()
	if pool.Size() == 0 {
		log.Warn().Str("path", cfg.Credentials.Path).
			Msg("cookie pool is empty, requests will fail until cookies are added")
	}

	dial := func(ctx context.Context) (bridge.Channel, error) {
		cookie, err := pool.Next()
		if err != nil {
			return nil, upstream.WrapError(upstream.KindAuth, err, "no credentials available")
		}
		return upstream.Dial(ctx, upstream.Options{
			BaseURL:     cfg.Upstream.BaseURL,
			ClerkURL:    cfg.Upstream.ClerkURL,
			Origin:      cfg.Upstream.Origin,
			Proxy:       cfg.Upstream.Proxy,
			ReadTimeout: cfg.Upstream.ReadTimeout,
			IdleTimeout: cfg.Upstream.IdleTimeout,
			Reconnect:   cfg.Upstream.Reconnect,
		}, cookie)
	}

	br := bridge.New(bridge.Config{
		MaxSessions:           cfg.Upstream.MaxSessions,
		MaxInflightPerSession: cfg.Upstream.MaxInflightPerSession,
		QueueSize:             cfg.Upstream.QueueSize,
	}, dial)
	defer br.Close()

	var usage *monitoring.Store
	if cfg.Monitoring.Enabled {
		usage, err = monitoring.NewStore(cfg.Monitoring.UsageDB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening usage db '%s': %v\n", cfg.Monitoring.UsageDB, err)
			os.Exit(1)
		}
		defer func() { _ = usage.Close() }()
	}

	gw := gateway.New(cfg, br, usage)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      gw.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var modelIDs []string
	for _, a := range adapters.List() {
		modelIDs = append(modelIDs, a.ID)
	}
	monitoring.RecordInit(cfg.Monitoring.InitLogPath, &monitoring.InitEvent{
		ServerPort:            cfg.Server.Port,
		UpstreamBaseURL:       cfg.Upstream.BaseURL,
		MaxSessions:           cfg.Upstream.MaxSessions,
		MaxInflightPerSession: cfg.Upstream.MaxInflightPerSession,
		QueueSize:             cfg.Upstream.QueueSize,
		CookieCount:           pool.Size(),
		Models:                modelIDs,
	})

	log.Info().
		Str("addr", addr).
		Str("upstream", cfg.Upstream.BaseURL).
		Int("cookies", pool.Size()).
		Strs("models", modelIDs).
		Msg("gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("gateway exited with error")
		os.Exit(1)
	}
	log.Info().Msg("gateway stopped")
}

func printServeHelp() {
	fmt.Print(`Usage: engine-gateway serve [options]

Options:
  -c, --config <path>   Config file (default: config.yaml, then built-in defaults)
      --cookies <path>  Cookie pool file (default: cookies/cookies.txt)
  -p, --port <port>     Listen port (overrides config)
  -d, --debug           Debug logging
  -h, --help            Show this help

Environment:
  ENGINE_GATEWAY_CONFIG   Config file path when --config is not given.
  Values in the config file support ${VAR} expansion.
`)
}
