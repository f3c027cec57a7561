package main

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/falmar/ecs-drainkeeper/cmd/drainer"
	"github.com/falmar/ecs-drainkeeper/cmd/tagger"
)

var rootCmd = cobra.Command{
	Use:   "ecs-drainkeeper",
	Short: "ECS Drain Keeper",
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	setDefaults()

	viper.SetConfigFile("config.yaml")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// the config file is optional; env vars can carry everything
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			log.Fatal().Err(err).Msg("failed to read config")
		}
	}

	setupLogging()

	rootCmd.AddCommand(drainer.Cmd())
	rootCmd.AddCommand(tagger.Cmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to execute command")
	}
}

func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")

	viper.SetDefault("queue.poll_interval", "20s")
	viper.SetDefault("queue.visibility_timeout", "60s")

	viper.SetDefault("drain.stagger", "30s")
	viper.SetDefault("drain.max_invocations", 50)
	viper.SetDefault("drain.stop_reason", "Draining the container instance")
	viper.SetDefault("drain.heartbeat", true)

	viper.SetDefault("tag.key", "drain")
}

func setupLogging() {
	level, err := zerolog.ParseLevel(viper.GetString("log.level"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if viper.GetString("log.format") == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
