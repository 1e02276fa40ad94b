package azure

import (
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"go.uber.org/zap"

	"github.com/gobeaver/cloudview"
)

func init() {
	cloudview.RegisterDriver("azure", func(ns *cloudview.Namespace, sc cloudview.ServerConfig) (cloudview.Backend, error) {
		containerName, err := sc.RequireOption("container")
		if err != nil {
			return nil, err
		}
		client, err := newContainerClient(sc, containerName)
		if err != nil {
			return nil, err
		}

		opts := []AdapterOption{
			WithPrefix(sc.Option("prefix", "")),
			WithLogger(ns.Logger().Named("azure").With(zap.String("server", sc.Name))),
		}
		if v := sc.Option("poll_interval", ""); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("azure: poll_interval: %w", err)
			}
			opts = append(opts, WithPollInterval(d))
		}
		return New(NewContainer(client), containerName, opts...), nil
	})
}

// newContainerClient builds a client from a connection string, or from an
// account name with an optional shared key.
func newContainerClient(sc cloudview.ServerConfig, containerName string) (*container.Client, error) {
	if cs := sc.Option("connection_string", ""); cs != "" {
		return container.NewClientFromConnectionString(cs, containerName, nil)
	}
	account, err := sc.RequireOption("account_name")
	if err != nil {
		return nil, err
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	if ep := sc.Option("endpoint", ""); ep != "" {
		serviceURL = ep
	}
	containerURL := serviceURL
	if containerURL[len(containerURL)-1] != '/' {
		containerURL += "/"
	}
	containerURL += containerName

	key := sc.Option("account_key", "")
	if key == "" {
		return container.NewClientWithNoCredential(containerURL, nil)
	}
	cred, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}
	return container.NewClientWithSharedKeyCredential(containerURL, cred, nil)
}
