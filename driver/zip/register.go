package zip

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/gobeaver/cloudview"
)

func init() {
	cloudview.RegisterDriver("zip", func(ns *cloudview.Namespace, sc cloudview.ServerConfig) (cloudview.Backend, error) {
		zipPath, err := sc.RequireOption("path")
		if err != nil {
			return nil, err
		}
		readOnly, err := strconv.ParseBool(sc.Option("read_only", "false"))
		if err != nil {
			return nil, fmt.Errorf("zip: read_only: %w", err)
		}
		logger := WithLogger(ns.Logger().Named("zip").With(zap.String("server", sc.Name)))
		if readOnly {
			return Open(zipPath, logger)
		}
		return OpenOrCreate(zipPath, logger)
	})
}
