package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ycs77/yblocker-client"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "yblocker",
	Short:         "Local ad-blocking proxy with history sync",
	Long:          "yblocker intercepts HTTPS traffic, blocks requests matched by filter lists, injects cosmetic rules into pages and syncs visit history to a remote endpoint.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runProxy,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: search ./yblocker.yaml, ~/.yblocker/, /etc/yblocker/)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the proxy (default)",
		RunE:  runProxy,
	})

	genCA := &cobra.Command{
		Use:   "gen-ca",
		Short: "Generate the interception CA at https.cert_path and https.key_path",
		RunE:  runGenCA,
	}
	genCA.Flags().String("org", "yblocker", "organization name for the CA")
	genCA.Flags().Int("years", 10, "CA validity in years")
	genCA.Flags().Bool("force", false, "overwrite an existing CA")
	rootCmd.AddCommand(genCA)

	genConfig := &cobra.Command{
		Use:   "gen-config",
		Short: "Write an example config file",
		RunE:  runGenConfig,
	}
	genConfig.Flags().StringP("output", "o", "yblocker.yaml", "output path")
	rootCmd.AddCommand(genConfig)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Run one history sync and exit",
		RunE:  runSync,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("yblocker failed", "error", err)
		os.Exit(1)
	}
}

// setup loads the config and installs the configured logger as default.
func setup() (*yblocker.Config, *slog.Logger, io.Closer, error) {
	cfg, err := yblocker.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, closer, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}

func runProxy(cmd *cobra.Command, _ []string) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := yblocker.NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("starting proxy", "addr", cfg.Server.Addr)
	logger.Info("ensure the CA certificate is trusted by your system/browser", "cert", cfg.HTTPS.CertPath)

	runErr := app.Run(ctx)
	logger.Info("shutting down...")
	return errors.Join(runErr, app.Close())
}

func runGenCA(cmd *cobra.Command, _ []string) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	org, _ := cmd.Flags().GetString("org")
	years, _ := cmd.Flags().GetInt("years")
	force, _ := cmd.Flags().GetBool("force")

	logger.Info("generating CA certificate", "org", org, "years", years)
	if err := yblocker.WriteCA(cfg.HTTPS.CertPath, cfg.HTTPS.KeyPath, org, years, force); err != nil {
		return fmt.Errorf("generate CA: %w", err)
	}

	fmt.Printf("Generated %s and %s\n", cfg.HTTPS.CertPath, cfg.HTTPS.KeyPath)
	fmt.Println("Install the certificate as a trusted root in your system or browser.")
	return nil
}

func runGenConfig(cmd *cobra.Command, _ []string) error {
	out, _ := cmd.Flags().GetString("output")
	if err := yblocker.WriteExampleConfig(out); err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	fmt.Printf("Generated %s\n", out)
	return nil
}

// runSync performs a single tick against the store file. A blacklist in
// the reply is written to the custom rule file, where a running proxy's
// watcher picks it up.
func runSync(cmd *cobra.Command, _ []string) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	if cfg.Sync.Endpoint == "" {
		return yblocker.ErrSyncNotConfigured
	}

	store, err := yblocker.OpenHistoryStore(cfg.Store.Path, yblocker.WithIndent(cfg.Store.Development), yblocker.WithStoreLogger(logger))
	if err != nil {
		if errors.Is(err, yblocker.ErrStoreLocked) {
			return fmt.Errorf("%w (use POST /api/sync on the running proxy instead)", err)
		}
		return err
	}

	engine := yblocker.NewFilterEngine()
	engine.Logger = logger
	rules := yblocker.NewCustomRules(cfg.CustomRules.Path, engine)
	rules.Logger = logger

	client := yblocker.NewSyncClient(cfg.Sync.Endpoint, cfg.Sync.Token)
	client.Client = &http.Client{Timeout: cfg.Sync.Timeout}

	syncer := yblocker.NewSyncer(store, client, cfg.PollingInterval())
	syncer.Retry = yblocker.NewRetryPolicy(cfg.Sync.Attempts, nil)
	syncer.Rules = rules
	syncer.Logger = logger

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Sync.Timeout*time.Duration(cfg.Sync.Attempts))
	defer cancel()

	res, tickErr := syncer.Tick(ctx)
	if err := errors.Join(tickErr, store.Close()); err != nil {
		return err
	}

	switch {
	case res.Skipped:
		fmt.Println("Nothing to sync")
	default:
		fmt.Printf("Uploaded %d records: %s\n", res.Uploaded, res.Message)
		if res.RulesReplaced {
			fmt.Printf("Custom rules updated in %s\n", cfg.CustomRules.Path)
		}
	}
	return nil
}
