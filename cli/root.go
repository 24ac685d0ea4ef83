// Package cli is the voiceorder command line front end.
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/room4-2/voiceorder/api"
	"github.com/room4-2/voiceorder/auth"
	"github.com/room4-2/voiceorder/cart"
	"github.com/room4-2/voiceorder/config"
)

var (
	// Global flags
	cfgFile    string
	verbose    bool
	outputJSON bool

	globalConfig *config.Config
	logger       *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "voiceorder",
	Short: "Voice ordering client",
	Long: `voiceorder talks to a restaurant voice-ordering backend.

It opens a voice session, streams microphone audio to the assistant, plays
the spoken replies and keeps a local copy of the cart in sync.

Configuration comes from a YAML file (--config or VOICEORDER_CONFIG), a .env
file and environment variables, in that order of precedence.

Examples:
  # Talk to the assistant
  voiceorder start --business pizza-place

  # Replay a recording instead of using the microphone
  voiceorder start --file order.wav

  # Inspect sessions on the backend
  voiceorder sessions list
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		globalConfig = cfg

		logger, err = newLogger(cfg.LogLevel, verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command. Cancelling ctx ends a running session.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $VOICEORDER_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output as JSON")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(cartCmd)
}

// newLogger builds a production logger at level, or a development logger
// when verbose is set.
func newLogger(level string, verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}

	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func newAPIClient() (*api.Client, error) {
	opts := []api.Option{api.WithLogger(logger)}
	if globalConfig.APIToken != "" {
		opts = append(opts, api.WithTokenSource(auth.NewStaticToken(globalConfig.APIToken)))
	}
	return api.NewClient(globalConfig.APIURL, opts...)
}

// openCart returns the Redis cart when REDIS_URL is set and reachable,
// otherwise an in-memory cart. The returned func releases the store.
func openCart(ctx context.Context) (cart.Store, func()) {
	if globalConfig.RedisURL == "" {
		return cart.NewMemoryStore(), func() {}
	}

	store, err := cart.NewRedisStore(ctx, cart.RedisOptions{
		Addr:     globalConfig.RedisURL,
		Password: globalConfig.RedisPassword,
		CartKey:  globalConfig.CartKey,
		TTL:      globalConfig.CartTTL,
	}, logger)
	if err != nil {
		logger.Warn("Redis unavailable, keeping the cart in memory", zap.Error(err))
		return cart.NewMemoryStore(), func() {}
	}
	return store, func() { store.Close() }
}
