package drainer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	awsecs "github.com/aws/aws-sdk-go-v2/service/ecs"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/falmar/ecs-drainkeeper/internal/awsconf"
	"github.com/falmar/ecs-drainkeeper/internal/debugserver"
	"github.com/falmar/ecs-drainkeeper/internal/drain"
	"github.com/falmar/ecs-drainkeeper/internal/ecs"
	"github.com/falmar/ecs-drainkeeper/internal/lifecycle"
	"github.com/falmar/ecs-drainkeeper/internal/queue"
	"github.com/falmar/ecs-drainkeeper/internal/slack"
)

func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drainer",
		Short: "Listen for autoscaling termination notices and drain the ECS instances behind them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			queueURL := viper.GetString("queue.url")
			if queueURL == "" {
				return fmt.Errorf("queue.url is required")
			}

			awsCfg, err := awsconf.Load(ctx)
			if err != nil {
				return fmt.Errorf("failed to load aws config: %w", err)
			}

			registry := prometheus.NewRegistry()

			q := queue.NewSQSQueue(&queue.SQSConfig{
				QueueURL:          queueURL,
				Client:            awssqs.NewFromConfig(awsCfg),
				PollInterval:      viper.GetDuration("queue.poll_interval"),
				VisibilityTimeout: viper.GetDuration("queue.visibility_timeout"),
			})

			var notifier drain.Notifier
			if viper.GetString("slack.token") != "" {
				notifier = slack.NewService(&slack.Config{
					Token:   viper.GetString("slack.token"),
					Channel: viper.GetString("slack.channel"),
				})
			}

			svc := drain.New(drain.Config{
				Queue: q,
				Nodes: ecs.NewService(&ecs.Config{
					Client:  awsecs.NewFromConfig(awsCfg),
					Cluster: viper.GetString("drain.cluster"),
				}),
				Lifecycle: lifecycle.NewService(&lifecycle.Config{
					Client: autoscaling.NewFromConfig(awsCfg),
				}),
				Notifier:       notifier,
				Registry:       registry,
				Stagger:        viper.GetDuration("drain.stagger"),
				MaxInvocations: viper.GetInt("drain.max_invocations"),
				StopReason:     viper.GetString("drain.stop_reason"),
				Heartbeat:      viper.GetBool("drain.heartbeat"),
			})

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigChan
				log.Info().Str("signal", sig.String()).Msg("received quit signal, shutting down")
				cancel()
			}()

			if addr := viper.GetString("debug.addr"); addr != "" {
				server := debugserver.NewServer(&debugserver.Config{
					Addr:     addr,
					Registry: registry,
				})

				go func() {
					log.Info().Str("addr", addr).Msg("debug server listening")
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error().Err(err).Msg("debug server failed")
					}
				}()
				defer func() {
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					_ = server.Shutdown(shutdownCtx)
				}()
			}

			log.Info().Str("queue", queueURL).Msg("listening for termination notices")

			return svc.Listen(ctx)
		},
	}

	return cmd
}
