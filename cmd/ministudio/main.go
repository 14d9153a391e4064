package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ministudio/internal/bridge"
	"github.com/MarcoPoloResearchLab/ministudio/internal/config"
	"github.com/MarcoPoloResearchLab/ministudio/internal/logging"
	"github.com/MarcoPoloResearchLab/ministudio/internal/swarm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ministudio",
		Short: "MiniStudio room worker speaking the host bridge protocol on stdin/stdout",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("namespace", defaults.GetString("room.namespace"), "Tag and collection namespace")
	cmd.PersistentFlags().Duration("key-poll-interval", defaults.GetDuration("room.key_poll_interval"), "How often a joiner checks for the blobs key")
	cmd.PersistentFlags().Duration("key-discovery-timeout", defaults.GetDuration("room.key_discovery_timeout"), "How long a joiner waits for the blobs key (0 waits forever)")
	cmd.PersistentFlags().String("publisher-address", defaults.GetString("publisher.address"), "Blob publisher listen address")
	cmd.PersistentFlags().String("swarm-listen", defaults.GetString("swarm.listen_address"), "Websocket swarm listen address")
	cmd.PersistentFlags().StringSlice("swarm-peers", nil, "Websocket swarm peer endpoints")
	cmd.PersistentFlags().String("swarm-redis", defaults.GetString("swarm.redis_address"), "Redis address for swarm peer discovery")
	cmd.PersistentFlags().Duration("swarm-announce-ttl", defaults.GetDuration("swarm.announce_ttl"), "Lifetime of a swarm announcement")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "room.namespace", "namespace")
	bindFlag(cmd, "room.key_poll_interval", "key-poll-interval")
	bindFlag(cmd, "room.key_discovery_timeout", "key-discovery-timeout")
	bindFlag(cmd, "publisher.address", "publisher-address")
	bindFlag(cmd, "swarm.listen_address", "swarm-listen")
	bindFlag(cmd, "swarm.peers", "swarm-peers")
	bindFlag(cmd, "swarm.redis_address", "swarm-redis")
	bindFlag(cmd, "swarm.announce_ttl", "swarm-announce-ttl")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runWorker(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	network, err := openSwarm(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	if network != nil {
		defer func() {
			if err := network.Close(); err != nil {
				logger.Warn("swarm close failed", zap.Error(err))
			}
		}()
	}

	worker := bridge.NewWorker(bridge.Config{
		Swarm:            network,
		Namespace:        appConfig.Namespace,
		PublisherAddress: appConfig.PublisherAddress,
		KeyPollInterval:  appConfig.KeyPollInterval,
		KeyTimeout:       appConfig.KeyDiscoveryTimeout,
		Logger:           logger,
	})

	logger.Info("worker starting", zap.String("namespace", appConfig.Namespace))
	err = worker.Serve(signalCtx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openSwarm returns nil when no swarm transport is configured; rooms then
// stay local to this process.
func openSwarm(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (swarm.Swarm, error) {
	if appConfig.SwarmListenAddress == "" && len(appConfig.SwarmPeers) == 0 && appConfig.SwarmRedisAddress == "" {
		return nil, nil
	}

	var directory swarm.Directory = swarm.NewStaticDirectory(appConfig.SwarmPeers)
	if appConfig.SwarmRedisAddress != "" {
		redisDirectory, err := swarm.NewRedisDirectory(ctx, appConfig.SwarmRedisAddress, appConfig.SwarmAnnounceTTL)
		if err != nil {
			return nil, err
		}
		directory = redisDirectory
	}

	mesh, err := swarm.NewMesh(swarm.MeshConfig{
		ListenAddress: appConfig.SwarmListenAddress,
		Directory:     directory,
		Logger:        logger,
	})
	if err != nil {
		_ = directory.Close()
		return nil, err
	}
	if appConfig.SwarmRedisAddress != "" {
		for _, endpoint := range appConfig.SwarmPeers {
			if err := mesh.Connect(ctx, endpoint); err != nil {
				logger.Warn("swarm peer unreachable", zap.String("endpoint", endpoint), zap.Error(err))
			}
		}
	}
	return mesh, nil
}
