package config

const (
	defaultStagingDir                = "~/.local/share/stemd/staging"
	defaultOutputDir                 = "~/stems"
	defaultLogDir                    = "~/.local/share/stemd/logs"
	defaultSocketPath                = "~/.local/share/stemd/stemd.sock"
	defaultSeparatorBaseURL          = "http://127.0.0.1:8626"
	defaultSeparatorRequestTimeout   = 30
	defaultSeparatorPollInterval     = 2
	defaultDownloadConcurrency       = 2
	defaultDispatcherFlushIntervalMS = 50
	defaultDispatcherFlushBatchSize  = 10
	defaultNtfyRequestTimeout        = 10
	defaultLogFormat                 = "console"
	defaultLogLevel                  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			OutputDir:  defaultOutputDir,
			LogDir:     defaultLogDir,
			SocketPath: defaultSocketPath,
		},
		Separator: Separator{
			BaseURL:             defaultSeparatorBaseURL,
			RequestTimeout:      defaultSeparatorRequestTimeout,
			PollInterval:        defaultSeparatorPollInterval,
			PollTimeout:         0,
			DownloadConcurrency: defaultDownloadConcurrency,
		},
		Dispatcher: Dispatcher{
			FlushIntervalMS: defaultDispatcherFlushIntervalMS,
			FlushBatchSize:  defaultDispatcherFlushBatchSize,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNtfyRequestTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
