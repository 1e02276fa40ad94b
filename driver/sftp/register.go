package sftp

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gobeaver/cloudview"
)

func init() {
	cloudview.RegisterDriver("sftp", func(ns *cloudview.Namespace, sc cloudview.ServerConfig) (cloudview.Backend, error) {
		host, err := sc.RequireOption("host")
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(sc.Option("port", "22"))
		if err != nil {
			return nil, fmt.Errorf("sftp: port: %w", err)
		}

		cfg := Config{
			Host:       host,
			Port:       port,
			Username:   sc.Option("username", ""),
			Password:   sc.Option("password", ""),
			KnownHosts: sc.Option("known_hosts", ""),
			BasePath:   sc.Option("base_path", ""),
			Logger:     ns.Logger().Named("sftp").With(zap.String("server", sc.Name)),
		}
		if v := sc.Option("poll_interval", ""); v != "" {
			if cfg.PollInterval, err = time.ParseDuration(v); err != nil {
				return nil, fmt.Errorf("sftp: poll_interval: %w", err)
			}
		}

		// Load private key if specified
		if keyFile := sc.Option("private_key", ""); keyFile != "" {
			keyData, err := os.ReadFile(keyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read private key: %w", err)
			}
			cfg.PrivateKey = keyData
		}

		return New(cfg)
	})
}
