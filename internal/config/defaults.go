package config

const (
	defaultConfigPath         = "~/.config/loom/config.toml"
	defaultStateDir           = "~/.local/share/loom/state"
	defaultLogDir             = "~/.local/share/loom/logs"
	defaultSandboxDir         = "~/.local/share/loom/sandbox"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultPollIntervalMillis = 100
	defaultHeartbeatInterval  = 10
	defaultHeartbeatTimeout   = 10
	defaultMaxManagerRestarts = 3
	defaultSubmitBurst        = 1
	defaultPlaceholderPolicy  = "latest"
	defaultChannelBackend     = "sqlite"
	defaultVisibilityTimeout  = 300
	defaultNATSStream         = "LOOM"
	defaultResource           = "local.localhost"
	defaultWalltime           = 60
	defaultCores              = 4
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Engine: Engine{
			PollIntervalMillis: defaultPollIntervalMillis,
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
			MaxManagerRestarts: defaultMaxManagerRestarts,
			SubmitBurst:        defaultSubmitBurst,
			PlaceholderPolicy:  defaultPlaceholderPolicy,
		},
		Channels: Channels{
			Backend:           defaultChannelBackend,
			VisibilityTimeout: defaultVisibilityTimeout,
			NATSStream:        defaultNATSStream,
		},
		Resource: Resource{
			Resource:   defaultResource,
			Walltime:   defaultWalltime,
			Cores:      defaultCores,
			SandboxDir: defaultSandboxDir,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
