// Command travianbot runs the per-machine supervisor process: it speaks
// the line-delimited JSON-RPC protocol of spec.md §6 over stdin/stdout,
// and owns every BotInstance the frontend asks it to bindPage/start.
//
// Flag/config layering (flags > env > YAML file > defaults) and the
// signal-driven graceful-shutdown context follow the teacher's
// fluxforge/agent/main.go main loop, rebuilt on cobra+viper the way the
// rest of the pack wires its CLIs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kaelstrom/travianbot/internal/config"
	"github.com/kaelstrom/travianbot/internal/eventbus"
	"github.com/kaelstrom/travianbot/internal/logging"
	"github.com/kaelstrom/travianbot/internal/store"
	"github.com/kaelstrom/travianbot/internal/supervisor"
	"github.com/kaelstrom/travianbot/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TRAVIANBOT")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "travianbot",
		Short: "Persistent per-server bot supervisor, driven over stdio JSON-RPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	defaultDataDir := filepath.Join(os.Getenv("HOME"), ".travianbot")
	cmd.PersistentFlags().String("data-dir", defaultDataDir, "directory for persisted config/state blobs")
	cmd.PersistentFlags().String("config", "", "optional YAML bootstrap file seeding a server's first config")
	cmd.PersistentFlags().String("log-level", "info", "zap log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "json", "log encoding (json, console)")
	_ = v.BindPFlag("data-dir", cmd.PersistentFlags().Lookup("data-dir"))
	_ = v.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("log-level", cmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log-format", cmd.PersistentFlags().Lookup("log-format"))

	cmd.AddCommand(newConfigShowCmd(v))
	return cmd
}

// newConfigShowCmd prints a server's persisted Config as YAML, for an
// operator to read or hand-edit outside the RPC surface; nothing about
// the persisted store entry changes, this only renders it.
func newConfigShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config show <serverKey>",
		Short: "Print a server's persisted config as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewFileStore(v.GetString("data-dir"))
			if err != nil {
				return fmt.Errorf("travianbot: open store: %w", err)
			}
			cfg, err := loadSeedConfig(v)
			if err != nil {
				return err
			}
			if _, err := st.Load(store.KeyConfig(args[0]), &cfg); err != nil {
				return fmt.Errorf("travianbot: load config: %w", err)
			}
			out, err := config.ExportYAML(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// loadSeedConfig builds the configuration a server starts from when it has
// no persisted copy yet: Defaults, overlaid with the optional --config
// YAML bootstrap file via config.Loader, which applies environment
// overrides only to the keys that file sets.
func loadSeedConfig(v *viper.Viper) (config.Config, error) {
	var bootstrap []byte
	if path := v.GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config.Config{}, fmt.Errorf("travianbot: read bootstrap config: %w", err)
		}
		bootstrap = data
	}
	seed, err := config.NewLoader("TRAVIANBOT").LoadYAML(bootstrap)
	if err != nil {
		return config.Config{}, fmt.Errorf("travianbot: load bootstrap config: %w", err)
	}
	return seed, nil
}

func run(v *viper.Viper) error {
	logger, ring, err := logging.Build(v.GetString("log-level"), v.GetString("log-format"))
	if err != nil {
		return fmt.Errorf("travianbot: build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	st, err := store.NewFileStore(v.GetString("data-dir"))
	if err != nil {
		return fmt.Errorf("travianbot: open store: %w", err)
	}
	if err := store.Migrate(st, func() string { return "" }); err != nil {
		logger.Warn("travianbot: legacy store migration failed", zap.Error(err))
	}

	seedCfg, err := loadSeedConfig(v)
	if err != nil {
		return err
	}

	bus := eventbus.New(logger)
	sup := supervisor.New(st, bus, logger, seedCfg)

	server := transport.New(os.Stdin, os.Stdout, logger)
	handlers := &transport.Handlers{Supervisor: sup, Store: st, LogRing: ring}
	handlers.RegisterAll(server)

	forwardEvents(bus, server)
	ring.OnPush(func(e logging.Entry) {
		_ = server.Emit("log", e)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("travianbot: received shutdown signal")
		sup.StopAll()
		cancel()
	}()

	if err := server.Emit("ready", map[string]string{"dataDir": v.GetString("data-dir")}); err != nil {
		logger.Warn("travianbot: failed to emit ready event", zap.Error(err))
	}

	logger.Info("travianbot: serving JSON-RPC over stdio", zap.String("dataDir", v.GetString("data-dir")))
	if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("travianbot: serve: %w", err)
	}
	return nil
}

// wireTopics is every topic the rest of the program publishes to, per
// spec.md §4.10's event surface and §6's named Events; the Bus has no
// wildcard subscription, so forwardEvents attaches one listener per
// topic, relaying each straight through as a transport Event of the same
// name.
var wireTopics = []string{
	eventbus.TopicOverflowImminent,
	eventbus.TopicAttackIncoming,
	eventbus.TopicQuestClaimable,
	eventbus.TopicResourcesLow,
	eventbus.TopicTaskCompleted,
	eventbus.TopicTaskFailed,
	eventbus.TopicScanComplete,
	eventbus.TopicPhaseChanged,
	eventbus.TopicCropCrisis,
	"statusUpdate",
	"botEvent",
	"emergencyStop",
}

// forwardEvents relays every EventBus publication out over the stdio
// protocol as a transport Event, so botEvent/gameState/statusUpdate
// consumers subscribed only to the wire protocol see everything the
// in-process bus carries, per spec.md §4.10's "external consumers attach
// through the same transport" expectation.
func forwardEvents(bus *eventbus.Bus, server *transport.Server) {
	for _, topic := range wireTopics {
		topic := topic
		bus.Subscribe(topic, 0, func(ev eventbus.Event) {
			_ = server.Emit(ev.Topic, ev.Payload)
		})
	}
	// The frontend's event name for a fresh snapshot is "gameState"; the
	// in-process topic stays scan:complete for engine-internal listeners.
	bus.Subscribe(eventbus.TopicScanComplete, 1, func(ev eventbus.Event) {
		_ = server.Emit("gameState", ev.Payload)
	})
}
