package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"polyflow/catalog"
	"polyflow/config"
	"polyflow/creds"
	"polyflow/feed"
	"polyflow/logger"
	"polyflow/models"
	"polyflow/reader/binance"
	"polyflow/reader/clob"
	"polyflow/render"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	market := flag.String("market", "", "Condition id, slug or outcome token id to watch")
	search := flag.String("search", "", "Substring filter over market questions and slugs")
	list := flag.Bool("list", false, "List matching markets and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Polyflow.Name,
		"version": cfg.Polyflow.Version,
	}).Info("starting polyflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	var signer *creds.Signer
	if c, ok := creds.FromEnv(); ok {
		signer = creds.NewSigner(c)
		log.WithComponent("main").Info("api credentials loaded, snapshot requests will be signed")
	}

	rest := clob.NewRestClient(cfg, signer)

	instruments, err := catalog.NewService(cfg, rest).ListInstruments(ctx)
	if err != nil {
		log.WithError(err).Error("failed to load market catalog")
		fmt.Fprintln(os.Stderr, "failed to load market catalog:", err)
		os.Exit(1)
	}
	instruments = catalog.Search(instruments, *search)

	if *list {
		printMarkets(instruments)
		return
	}

	instrument, tokenID, err := chooseInstrument(instruments, *market)
	if err != nil {
		log.WithError(err).Error("market selection failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	supervisor := feed.NewSupervisor(cfg, rest)
	if err := supervisor.Activate(ctx, instrument, tokenID); err != nil {
		log.WithError(err).Error("failed to activate feed")
		fmt.Fprintln(os.Stderr, "failed to activate feed:", err)
		os.Exit(1)
	}

	seedHistory(ctx, cfg, rest, supervisor, tokenID)

	var reference *binance.ReferenceTicker
	if cfg.Reference.Enabled && instrument.MentionsBitcoin() {
		reference = binance.NewReferenceTicker(cfg)
		if err := reference.Start(ctx); err != nil {
			log.WithError(err).Warn("reference price feed failed to start")
			reference = nil
		}
	}

	var refSource render.Reference
	if reference != nil {
		refSource = reference
	}
	renderer := render.NewRenderer(cfg, supervisor, refSource, os.Stdout)
	if err := renderer.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start renderer")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		renderer.Stop()
		if reference != nil {
			reference.Stop()
		}
		supervisor.Deactivate()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("polyflow stopped")
}

// chooseInstrument picks the market to watch. An explicit key is resolved
// against token ids, condition ids and slugs; without one the first catalog
// entry is used.
func chooseInstrument(instruments []models.Instrument, key string) (models.Instrument, string, error) {
	if len(instruments) == 0 {
		return models.Instrument{}, "", fmt.Errorf("no markets matched, try a different --search")
	}
	if key == "" {
		return instruments[0], instruments[0].PrimaryToken(), nil
	}
	inst, tokenID, ok := catalog.Resolve(instruments, key)
	if !ok {
		return models.Instrument{}, "", fmt.Errorf("no market matches %q, use --list to browse", key)
	}
	return inst, tokenID, nil
}

func printMarkets(instruments []models.Instrument) {
	for _, inst := range instruments {
		fmt.Printf("%s\n    slug: %s  condition: %s\n", inst.Question, inst.Slug, inst.ConditionID)
	}
	fmt.Printf("%d markets\n", len(instruments))
}

// seedHistory backfills the price chart from the REST history endpoint so the
// sparkline is useful before live samples accumulate.
func seedHistory(ctx context.Context, cfg *config.Config, rest *clob.RestClient, sup *feed.Supervisor, tokenID string) {
	hctx, hcancel := context.WithTimeout(ctx, cfg.Clob.Timeout)
	defer hcancel()

	points, err := rest.FetchPriceHistory(hctx, tokenID, "1h", 1)
	if err != nil {
		logger.GetLogger().WithComponent("main").WithError(err).Warn("price history backfill failed")
		return
	}
	sup.SeedHistory(points)
}
