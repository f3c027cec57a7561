package awsconf

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/spf13/viper"
)

// Load builds the shared AWS client configuration. Static credentials
// from the config file win over the default provider chain, which
// still covers the usual environment, profile and instance-role paths.
func Load(ctx context.Context) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if region := viper.GetString("aws.region"); region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	keyID := viper.GetString("aws.access_key_id")
	secret := viper.GetString("aws.secret_access_key")
	if keyID != "" && secret != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(keyID, secret, ""),
		))
	}

	return config.LoadDefaultConfig(ctx, opts...)
}
