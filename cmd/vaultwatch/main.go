package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/vaultwatch/internal/chain"
	"github.com/rewired-gh/vaultwatch/internal/config"
	"github.com/rewired-gh/vaultwatch/internal/console"
	"github.com/rewired-gh/vaultwatch/internal/health"
	"github.com/rewired-gh/vaultwatch/internal/logger"
	"github.com/rewired-gh/vaultwatch/internal/metrics"
	"github.com/rewired-gh/vaultwatch/internal/models"
	"github.com/rewired-gh/vaultwatch/internal/pipeline"
	"github.com/rewired-gh/vaultwatch/internal/state"
	"github.com/rewired-gh/vaultwatch/internal/telegram"
	"github.com/rewired-gh/vaultwatch/internal/valuation"
)

func main() {
	fs := config.Flags("vaultwatch")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("Failed to parse flags: %v", err)
	}

	// Load configuration
	cfg, err := config.LoadWithFlags(fs)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	headless, _ := fs.GetBool("headless")

	// Setup logging; the console owns stdout
	closer := logger.Setup(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer func() {
		if err := closer.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}()
	configPath, _ := fs.GetString("config")
	logger.Info("Configuration loaded from %s", configPath)
	if !headless && cfg.Logging.File == "" {
		logger.Warn("Logging to stderr while the console is drawing; set logging.file to keep the screen clean")
	}

	// Initialize chain source
	client, err := chain.Dial(cfg.RPC.URL)
	if err != nil {
		logger.Fatal("Failed to connect to %s: %v", cfg.RPC.URL, err)
	}
	defer client.Close()

	diamond := common.HexToAddress(cfg.Contracts.Diamond)
	evm, err := chain.NewEVM(client, chain.Contracts{
		Vat:        diamond,
		Vox:        diamond,
		Feedbase:   common.HexToAddress(cfg.Contracts.Feedbase),
		NFPM:       common.HexToAddress(cfg.Contracts.NFPM),
		UniWrapper: common.HexToAddress(cfg.Contracts.UniWrapper),
	}, chain.Options{
		CallTimeout:     cfg.RPC.CallTimeout,
		RateLimit:       cfg.RPC.RateLimit,
		Burst:           cfg.RPC.Burst,
		EventsFromBlock: cfg.RPC.EventsFromBlock,
	})
	if err != nil {
		logger.Fatal("Failed to initialize chain source: %v", err)
	}

	valuer := valuation.New(evm, cfg.Ilks.PoolIlk)
	computer := health.New(evm, valuer, cfg.Ilks.PoolIlk)
	store := state.New(models.NewPlaceholder(cfg.Urns.Ilks), state.View{})

	var (
		rec pipeline.Recorder
		met *metrics.Metrics
	)
	if cfg.Metrics.Enabled {
		met = metrics.New(cfg.Metrics.Namespace)
		rec = met
	}

	pipe, err := pipeline.New(evm, computer, store, pipeline.Options{
		Owner:          cfg.Owner(),
		Ilks:           cfg.Urns.Ilks,
		KnownIlks:      cfg.KnownIlks(),
		PoolIlk:        cfg.Ilks.PoolIlk,
		Interval:       cfg.Pipeline.PollInterval,
		Policy:         pipeline.FailurePolicy(cfg.Pipeline.FailurePolicy),
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
		MaxEvents:      cfg.Pipeline.MaxEvents,
		XauSrc:         common.HexToAddress(cfg.Contracts.ReferenceSrc),
		XauTag:         cfg.Contracts.ReferenceTag,
	}, rec)
	if err != nil {
		logger.Fatal("Failed to initialize pipeline: %v", err)
	}

	// Initialize Telegram notifier
	var notifier *telegram.Notifier
	if cfg.Telegram.Enabled {
		tg, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		notifier = telegram.NewNotifier(tg, store, cfg.DisplayName(), cfg.Telegram.SafetyAlert)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
	}()

	g, runCtx := errgroup.WithContext(ctx)

	if notifier != nil {
		// Alerts are sent off the pipeline goroutine so Telegram retries never
		// delay a cycle.
		cycles := make(chan telegram.CycleResult, 16)
		pipe.OnCycle = func(err error) {
			select {
			case cycles <- notifier.Capture(err):
			default:
				logger.Warn("Alert queue full, dropping cycle result")
			}
		}
		g.Go(func() error {
			for {
				select {
				case <-runCtx.Done():
					return nil
				case res := <-cycles:
					notifier.HandleCycle(runCtx, res)
				}
			}
		})
	}

	logger.Info("Starting vault monitoring for %s (interval: %v, policy: %s, ilks: %v)",
		cfg.DisplayName(), cfg.Pipeline.PollInterval, cfg.Pipeline.FailurePolicy, cfg.Urns.Ilks)
	g.Go(func() error {
		pipe.Run(runCtx)
		return nil
	})

	if met != nil {
		logger.Info("Serving metrics on %s", cfg.Metrics.Addr)
		g.Go(func() error {
			return metrics.Serve(runCtx, cfg.Metrics.Addr, met.Handler(store, cfg.Metrics.MaxAge))
		})
	}

	if !headless {
		c := console.New(store, os.Stdin, os.Stdout, console.Options{
			Name:       cfg.DisplayName(),
			Keys:       cfg.KeyBindings(),
			PoolIlk:    cfg.Ilks.PoolIlk,
			SafetyWarn: cfg.Telegram.SafetyAlert,
			MaxAge:     cfg.Metrics.MaxAge,
		})
		g.Go(func() error {
			// Quitting the console stops everything else.
			defer cancel()
			return c.Run(runCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error: %v", err)
		return
	}
	logger.Info("Service stopped")
}
