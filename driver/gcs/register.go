package gcs

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/gobeaver/cloudview"
)

func init() {
	cloudview.RegisterDriver("gcs", func(ns *cloudview.Namespace, sc cloudview.ServerConfig) (cloudview.Backend, error) {
		bucket, err := sc.RequireOption("bucket")
		if err != nil {
			return nil, err
		}

		// Without credentials_file the client uses GOOGLE_APPLICATION_CREDENTIALS
		// or the default credentials.
		var clientOpts []option.ClientOption
		if f := sc.Option("credentials_file", ""); f != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(f))
		}
		if ep := sc.Option("endpoint", ""); ep != "" {
			clientOpts = append(clientOpts, option.WithEndpoint(ep), option.WithoutAuthentication())
		}
		client, err := storage.NewClient(context.Background(), clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("gcs: client: %w", err)
		}

		opts := []AdapterOption{
			WithPrefix(sc.Option("prefix", "")),
			WithLogger(ns.Logger().Named("gcs").With(zap.String("server", sc.Name))),
		}
		if v := sc.Option("poll_interval", ""); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("gcs: poll_interval: %w", err)
			}
			opts = append(opts, WithPollInterval(d))
		}
		return New(NewBucket(client, bucket), bucket, opts...), nil
	})
}
