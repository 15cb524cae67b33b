package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/mediagrab/mediagrab/internal/bus"
	"github.com/mediagrab/mediagrab/internal/fetch"
	"github.com/mediagrab/mediagrab/internal/log"
	"github.com/mediagrab/mediagrab/internal/metrics"
	"github.com/mediagrab/mediagrab/internal/model"
	"github.com/mediagrab/mediagrab/internal/server"
	"github.com/mediagrab/mediagrab/internal/service"
	"github.com/mediagrab/mediagrab/internal/store"
)

var (
	config model.Config

	flagConfigFilePath string
	flagVerbose        bool
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "",
		"Config file to load - default is mediagrab.yaml in the current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initConfig

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("mediagrab failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "mediagrab",
	Short:        "Self-hosted media download service with live progress streaming",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve starts the HTTP front end, download workers and retention sweeper",
	RunE:  doServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version prints build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("mediagrab: version info not available")
			return
		}
		fmt.Printf("mediagrab: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			}
		}
	},
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("mediagrab",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	if err := os.MkdirAll(config.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}

	fetchCfg := fetch.CheckDependencies(ctx, fetch.Config{
		Tool:            config.Tool.Path,
		FFmpeg:          config.Tool.FFmpeg,
		OutputDir:       config.DownloadDir,
		Retries:         config.Tool.Retries,
		FragmentRetries: config.Tool.FragmentRetries,
		SleepInterval:   config.Tool.SleepInterval,
		UserAgent:       config.Tool.UserAgent,
		ProbeTimeout:    config.Tool.ProbeTimeout,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	st := store.New()
	b := bus.New()
	m := metrics.New(registry)
	runner := fetch.NewRunner(fetchCfg, st, b)
	ctrl := service.New(config, st, b, runner, m)
	sweeper := service.NewSweeper(config, st, b, m)
	srv := server.New(config, ctrl, registry)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })
	return g.Wait()
}

func initConfig(_ *cobra.Command, _ []string) error {
	v := viper.New()
	model.SetDefaults(v)
	v.SetEnvPrefix("MEDIAGRAB")
	v.AutomaticEnv()

	configPath := flagConfigFilePath
	if configPath == "" {
		if envPath, ok := os.LookupEnv("MEDIAGRAB_CONFIG"); ok {
			configPath = envPath
		} else if exists("mediagrab.yaml") {
			configPath = "mediagrab.yaml"
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", configPath, err)
		}
	}

	var err error
	config, err = model.FromViper(v)
	if err != nil {
		return err
	}

	// --verbose has precedence over the config file.
	if flagVerbose {
		config.Verbose = true
	}
	slog.SetDefault(log.New(config.Verbose))

	// First run without any config file: persist the effective defaults
	// so there is something to edit.
	if configPath == "" {
		if err := writeDefaultConfig("mediagrab.yaml", config); err != nil {
			slog.Warn("could not write default config", "error", err)
		}
	}
	return nil
}

func writeDefaultConfig(path string, cfg model.Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	return enc.Encode(cfg)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
