package main

import (
	"time"

	"stemd/internal/config"
	"stemd/internal/services/separator"
)

func buildSeparatorClient(cfg *config.Config) *separator.Client {
	opts := []separator.Option{
		separator.WithRequestTimeout(time.Duration(cfg.Separator.RequestTimeout) * time.Second),
	}
	if cfg.Separator.APIToken != "" {
		opts = append(opts, separator.WithAPIToken(cfg.Separator.APIToken))
	}
	return separator.NewClient(cfg.Separator.BaseURL, opts...)
}
