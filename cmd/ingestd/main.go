package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thetahealth/ingest/internal/api"
	"github.com/thetahealth/ingest/internal/catalog"
	"github.com/thetahealth/ingest/internal/config"
	"github.com/thetahealth/ingest/internal/crypto"
	"github.com/thetahealth/ingest/internal/lock"
	"github.com/thetahealth/ingest/internal/logging"
	"github.com/thetahealth/ingest/internal/pipeline"
	"github.com/thetahealth/ingest/internal/platform"
	"github.com/thetahealth/ingest/internal/provider"
	"github.com/thetahealth/ingest/internal/provider/apple"
	"github.com/thetahealth/ingest/internal/provider/fitdb"
	"github.com/thetahealth/ingest/internal/provider/garmin"
	"github.com/thetahealth/ingest/internal/provider/whoop"
	"github.com/thetahealth/ingest/internal/pull"
	"github.com/thetahealth/ingest/internal/push"
	"github.com/thetahealth/ingest/internal/store"
	"github.com/thetahealth/ingest/internal/vault"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "ingestd",
	Short:   "Theta health-data ingestion service",
	Long:    `ingestd pulls and receives health data from wearable vendors, normalizes it into the indicator catalog, and persists it per user.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ingestd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Print the indicator catalog",
	Run: func(cmd *cobra.Command, args []string) {
		entries := catalog.All()
		sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
		for _, ind := range entries {
			kinds := ""
			if ind.Kind&catalog.KindSeries != 0 {
				kinds += "series"
			}
			if ind.Kind&catalog.KindSummary != 0 {
				if kinds != "" {
					kinds += "+"
				}
				kinds += "summary"
			}
			fmt.Printf("%-28s %-12s %-10s %s\n", ind.ID, ind.Category, ind.StandardUnit, kinds)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(catalogCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "ingestd",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "ingestd",
	})

	log.Info().Str("version", Version).Msg("Starting ingestion service")

	cryptoMgr, err := crypto.NewManager(cfg.DataDir, cfg.EncryptionPassphrase)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential encryption")
	}
	credVault, err := vault.Open(cfg.DataDir, cryptoMgr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open credential vault")
	}
	defer credVault.Close()

	healthStore, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open health store")
	}
	defer healthStore.Close()

	locks := lock.NewService(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.InstanceID)
	vendorHTTP := &http.Client{Timeout: cfg.VendorHTTPTimeout}

	// Provider registry: factories return (nil, nil) when unconfigured.
	registry := provider.NewRegistry()
	registry.Register("theta", "whoop", whoop.New)
	registry.Register("theta", "garmin", garmin.New)
	registry.Register("theta", "fitdb", fitdb.New)
	registry.Register("apple", "apple", apple.New)

	byPlatform, err := registry.BuildAll(provider.Deps{
		Cfg:   cfg,
		Vault: credVault,
		Store: healthStore,
		Locks: locks,
		HTTP:  vendorHTTP,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build providers")
	}

	pipe := pipeline.New(healthStore)
	manager := platform.NewManager(credVault, healthStore, cfg.PublicURL)
	for name, providers := range byPlatform {
		if err := manager.RegisterPlatform(platform.New(name, pipe, providers)); err != nil {
			log.Fatal().Err(err).Msg("Failed to register platform")
		}
	}
	if plat, ok := manager.GetPlatform("theta"); ok {
		plat.SetSlugExtractor(thetaProviderSlug)
	}
	pusher := push.New(cfg, manager, &http.Client{Timeout: 30 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var engine *pull.Engine
	if cfg.PullEnabled {
		engine = pull.NewEngine(cfg, locks, credVault, pusher)
		for name, providers := range byPlatform {
			for _, prov := range providers {
				if !prov.RegistersPullTask() {
					continue
				}
				err := engine.RegisterTask(name, prov, pull.Schedule{
					Kind: pull.ScheduleHourly,
				})
				if err != nil {
					log.Fatal().Err(err).Msg("Failed to register pull task")
				}
			}
		}
		go engine.Run(ctx)
	} else {
		log.Info().Msg("Scheduled pulls disabled")
	}

	// A completed Whoop link triggers an immediate pull, so the user sees
	// data without waiting for the next scheduled run.
	if thetaProviders, ok := byPlatform["theta"]; ok && engine != nil {
		for _, prov := range thetaProviders {
			if w, ok := prov.(*whoop.Provider); ok {
				w.SetOnLinked(func(userID string) {
					if err := engine.Trigger(context.Background(), whoop.Slug, false); err != nil {
						log.Warn().Err(err).Str("userId", userID).
							Msg("Post-link pull trigger failed")
					}
				})
			}
		}
	}

	router := api.NewRouter(manager, engine)
	server := api.NewServer(cfg.ListenAddr, router.Handler())

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Info().Msg("Shutting down")
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("HTTP server failed")
	}
	log.Info().Msg("Ingestion service stopped")
}

// thetaProviderSlug routes platform-level theta webhooks by payload shape:
// each provider's payloads carry a distinctive top-level key.
func thetaProviderSlug(raw map[string]any) string {
	if _, ok := raw["collection"]; ok {
		return whoop.Slug
	}
	if _, ok := raw["dailies"]; ok {
		return garmin.Slug
	}
	if _, ok := raw["sleeps"]; ok {
		return garmin.Slug
	}
	if _, ok := raw["records"]; ok {
		return fitdb.Slug
	}
	return ""
}
