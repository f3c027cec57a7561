package tagger

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/falmar/ecs-drainkeeper/internal/awsconf"
	tagsvc "github.com/falmar/ecs-drainkeeper/internal/tagger"
)

func Cmd() *cobra.Command {
	var groups []string
	var stack string
	var drainValue bool

	cmd := &cobra.Command{
		Use:   "tagger",
		Short: "Stamp the drain placement tag on every instance of the target autoscaling groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			awsCfg, err := awsconf.Load(ctx)
			if err != nil {
				return fmt.Errorf("failed to load aws config: %w", err)
			}

			svc := tagsvc.NewService(&tagsvc.Config{
				AutoScaling: autoscaling.NewFromConfig(awsCfg),
				EC2:         ec2.NewFromConfig(awsCfg),
				TagKey:      viper.GetString("tag.key"),
			})

			target := tagsvc.Target{Groups: groups, Stack: stack}
			if err := svc.SetDrainTag(ctx, target, drainValue); err != nil {
				return err
			}

			log.Info().Bool("drain", drainValue).Msg("done")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&groups, "group", nil, "autoscaling group to tag, repeatable")
	cmd.Flags().StringVar(&stack, "stack", "", "tag every group owned by this CloudFormation stack")
	cmd.Flags().BoolVar(&drainValue, "drain", true, "tag value; true keeps new tasks off the instances")

	return cmd
}
