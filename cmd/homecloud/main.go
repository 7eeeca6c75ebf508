package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homecloud/pkg/backplane"
	"homecloud/pkg/config"
	"homecloud/pkg/directory"
	"homecloud/pkg/gateway"
	"homecloud/pkg/relay"
	"homecloud/pkg/token"
	"homecloud/pkg/watcher"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "homecloud",
		Short: "Relay gateway connecting home-automation instances to dashboards",
		Long: `A horizontally scalable relay that connects intermittently-online
home-automation instances to their owners' dashboard sessions. Each gateway
process holds live connections and routes between them through a shared
backplane.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		gatewayCmd(),
		statusCmd(),
		revokeCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func gatewayCmd() *cobra.Command {
	var (
		gatewayID string
		address   string
		seedFile  string
	)

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run a gateway process",
		Long:  `Start a gateway that accepts instance and dashboard connections and relays between them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if gatewayID != "" {
				cfg.GatewayID = gatewayID
			}
			if address != "" {
				cfg.Address = address
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			dir := directory.NewMemory()
			if seedFile != "" {
				if err := seedDirectory(dir, seedFile); err != nil {
					return fmt.Errorf("failed to seed directory: %w", err)
				}
			}

			bp, err := buildBackplane(context.Background(), cfg, logger)
			if err != nil {
				return err
			}
			defer bp.Close()

			clk := clock.New()
			tokens := token.NewService(&cfg.Token, clk)
			registry := gateway.NewRegistry()
			router := relay.New(cfg.GatewayID, registry, bp, dir, clk, &cfg.Relay, logger)
			w := watcher.New(cfg.GatewayID, registry, bp, logger)
			gw := gateway.New(cfg, registry, router, w, tokens, dir, clk, logger)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				if err := router.Run(ctx); err != nil {
					logger.Error("Relay router stopped", zap.Error(err))
				}
			}()
			go func() {
				if err := w.Run(ctx); err != nil {
					logger.Error("Revocation watcher stopped", zap.Error(err))
				}
			}()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			go func() {
				<-sigChan
				logger.Info("Shutting down gateway")
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				gw.Stop(shutdownCtx)
				cancel()
			}()

			return gw.Start()
		},
	}

	cmd.Flags().StringVar(&gatewayID, "gateway-id", "", "unique gateway identifier")
	cmd.Flags().StringVar(&address, "address", "", "listening address (default from config)")
	cmd.Flags().StringVar(&seedFile, "seed", "", "JSON file of users and instances to load into the directory")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Homecloud Relay Gateway v0.1.0")
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}
	return config.LoadFromEnv(), nil
}

func buildBackplane(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backplane.Backplane, error) {
	switch cfg.Backplane.Kind {
	case config.BackplaneRedis:
		return backplane.NewRedis(ctx, &cfg.Backplane, logger)
	case config.BackplaneMemory, "":
		return backplane.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown backplane kind %q", cfg.Backplane.Kind)
	}
}

// directorySeed is the on-disk shape accepted by --seed. Verifier material is
// expected to come pre-enrolled from the account boundary.
type directorySeed struct {
	Users     []*directory.User     `json:"users"`
	Instances []*directory.Instance `json:"instances"`
}

func seedDirectory(dir *directory.Memory, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed directorySeed
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}
	for _, u := range seed.Users {
		dir.AddUser(u)
	}
	for _, inst := range seed.Instances {
		dir.AddInstance(inst)
	}
	return nil
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
