package s3

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/gobeaver/cloudview"
)

func init() {
	cloudview.RegisterDriver("s3", createS3Backend)
}

func createS3Backend(ns *cloudview.Namespace, sc cloudview.ServerConfig) (cloudview.Backend, error) {
	bucket, err := sc.RequireOption("bucket")
	if err != nil {
		return nil, err
	}
	client, err := createS3Client(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	opts := []AdapterOption{
		WithPrefix(sc.Option("prefix", "")),
		WithLogger(ns.Logger().Named("s3").With(zap.String("server", sc.Name))),
	}
	if v := sc.Option("poll_interval", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("s3: poll_interval: %w", err)
		}
		opts = append(opts, WithPollInterval(d))
	}
	return New(client, bucket, opts...), nil
}

// createS3Client creates an S3 client from the server options
func createS3Client(sc cloudview.ServerConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(sc.Option("region", "us-east-1")),
	)
	if err != nil {
		return nil, err
	}

	// Override with explicit credentials if provided
	accessKey, secretKey := sc.Option("access_key_id", ""), sc.Option("secret_access_key", "")
	if accessKey != "" && secretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
	}

	endpoint := sc.Option("endpoint", "")
	pathStyle, _ := strconv.ParseBool(sc.Option("force_path_style", "false"))
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	}), nil
}
