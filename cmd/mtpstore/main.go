package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/brettbedarf/mtpstore"
	"github.com/brettbedarf/mtpstore/config"
	"github.com/brettbedarf/mtpstore/internal/util"
	"github.com/brettbedarf/mtpstore/notifier"
	"github.com/brettbedarf/mtpstore/storage"
)

func main() {
	// Parse command line arguments
	var (
		configPath string
		root       string
		label      string
		verbose    int
	)
	flag.StringVar(&configPath, "config", "", "Path to config file (yaml or json)")
	flag.StringVar(&configPath, "c", "", "--config (shorthand)")
	flag.StringVar(&root, "root", "", "Directory to export as MTP storage")
	flag.StringVar(&root, "r", "", "--root (shorthand)")
	flag.StringVar(&label, "label", "mtpstore", "Volume label reported in StorageInfo")
	flag.IntVar(&verbose, "verbose", 3, "Log verbosity level between 1 (error) and 5 (trace). Default is 3 (info).")
	flag.IntVar(&verbose, "v", 3, "--verbose (shorthand)")
	flag.Parse()

	// Initialize logger
	if verbose < 1 {
		verbose = 1
	}
	if verbose > 5 {
		verbose = 5
	}
	logLvls := [5]util.LogLevel{util.ErrorLevel, util.WarnLevel, util.InfoLevel, util.DebugLevel, util.TraceLevel}
	util.InitializeLogger(logLvls[verbose-1])
	logger := util.GetLogger("main")

	var cfg *config.Config
	if configPath != "" {
		var err error
		cfg, err = config.NewConfigFromFile(configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("config", configPath).Msg("Failed to load config file")
		}
	} else {
		cfg = config.NewDefaultConfig()
	}
	if root != "" {
		cfg.RootPath = root
	}
	if cfg.VolumeLabel == "" {
		cfg.VolumeLabel = label
	}
	if cfg.StorageID == 0 {
		cfg.StorageID = 0x00010001
	}

	fcn, err := notifier.New()
	if err != nil {
		logger.Warn().Err(err).Msg("Running without filesystem notifications")
	}

	deps := storage.Deps{
		Handles: &mtpstore.LocalHandleAllocator{},
		Events: func(ev mtpstore.Event) {
			logger.Info().
				Uint16("code", uint16(ev.Code)).
				Uints32("params", ev.Params).
				Msg("MTP event")
		},
		Ready: func(storageID uint32) {
			logger.Info().Uint32("storage", storageID).Msg("Enumeration complete")
		},
	}
	if fcn != nil {
		deps.Notifier = fcn
	}

	store, err := storage.New(cfg, deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create storage")
	}

	if err := store.EnumerateStorage(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to enumerate storage")
	}
	go store.Run()

	logger.Info().Str("root", cfg.RootPath).Msg("Storage exported")

	// Setup signal handling for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	logger.Info().Str("signal", sig.String()).Msg("Received signal, shutting storage down")

	store.Shutdown()
}
