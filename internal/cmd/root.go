package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/streambus"
	"github.com/trickstertwo/streambus/adapter/memory"
	"github.com/trickstertwo/streambus/adapter/redisstream"
	"github.com/trickstertwo/streambus/internal/config"
)

// Version is stamped at build time with -ldflags "-X .../internal/cmd.Version=...".
var Version = "dev"

// app carries what every subcommand needs once flags are parsed.
type app struct {
	envFiles []string
	store    string
	service  string

	cfg    *config.Configuration
	logger *xlog.Logger
}

// NewRoot constructs the root command and registers every subcommand.
func NewRoot() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "streambus",
		Short:         "Message bus over Redis streams",
		Long:          "streambus publishes, schedules and consumes messages on Redis streams with consumer groups.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", config.DefaultEnvFiles, "Env files to load when present")
	root.PersistentFlags().StringVar(&a.store, "store", "", "Store adapter: redis-streams|memory (default from STREAMBUS_STORE)")
	root.PersistentFlags().StringVar(&a.service, "service", "", "Service name, used as consumer group (default from STREAMBUS_SERVICE)")

	root.AddCommand(
		newRunCommand(a),
		newPublishCommand(a),
		newScheduleCommand(a),
		newCancelCommand(a),
		newRequestCommand(a),
		newCronCommand(a),
		newVersionCommand(),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.envFiles...)
	if err != nil {
		return err
	}
	if a.store != "" {
		cfg.Store = a.store
	}
	if a.service != "" {
		cfg.Bus.Service = a.service
	}
	a.cfg = cfg
	a.logger = newLogger(cfg)
	return nil
}

func newLogger(cfg *config.Configuration) *xlog.Logger {
	zc := zerolog.Config{
		Console:           !cfg.LogJSON,
		ConsoleTimeFormat: time.RFC3339,
		Caller:            cfg.LogDebug,
		CallerSkip:        5,
	}
	if cfg.LogDebug {
		zc.MinLevel = xlog.LevelDebug
	}
	return zerolog.Use(zc).With(xlog.Str("app", "streambus"))
}

func (a *app) openStore() (streambus.Store, error) {
	switch a.cfg.Store {
	case redisstream.StoreName:
		return redisstream.NewStore(a.cfg.RedisConfig())
	case memory.StoreName:
		return memory.NewStore(memory.Config{}), nil
	default:
		return nil, fmt.Errorf("unknown store %q; use %s|%s", a.cfg.Store, redisstream.StoreName, memory.StoreName)
	}
}

// newBus builds a bus over the configured store. init may add consumers or observers.
func (a *app) newBus(init func(*streambus.BusBuilder)) (*streambus.Bus, error) {
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	bb := streambus.NewBusBuilder().
		WithStoreInstance(st).
		WithConfig(a.cfg.BusConfig()).
		WithCodec(a.cfg.Bus.Codec).
		WithLogger(a.logger)
	if init != nil {
		init(bb)
	}
	bus, err := bb.Build()
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}
	return bus, nil
}

// withBus runs fn against a short-lived bus and closes it afterwards.
func (a *app) withBus(fn func(*streambus.Bus) error) error {
	bus, err := a.newBus(nil)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close(context.Background()) }()
	return fn(bus)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the streambus version",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "streambus", Version)
			return err
		},
	}
}
