package crypt

import (
	"fmt"
	"strconv"

	"github.com/gobeaver/cloudview"
	"github.com/gobeaver/cloudview/blockcrypt"
)

func init() {
	cloudview.RegisterDriver("crypt", func(_ *cloudview.Namespace, sc cloudview.ServerConfig) (cloudview.Backend, error) {
		if sc.DependsOn == "" {
			return nil, fmt.Errorf("crypt: depends_on is required")
		}
		cfg := Config{BasePath: sc.Option("path", "")}

		var err error
		if key := sc.Option("key", ""); key != "" {
			cfg.Key, err = blockcrypt.ParseKey(key)
		} else {
			password, perr := sc.RequireOption("password")
			if perr != nil {
				return nil, fmt.Errorf("crypt: key or password is required: %w", perr)
			}
			cfg.Key, err = blockcrypt.KeyFromPassword(password, sc.Option("salt", sc.Name))
		}
		if err != nil {
			return nil, err
		}

		if v := sc.Option("plain_names", ""); v != "" {
			if cfg.PlainNames, err = strconv.ParseBool(v); err != nil {
				return nil, fmt.Errorf("crypt: plain_names: %w", err)
			}
		}
		return New(cfg)
	})
}
