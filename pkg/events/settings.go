package events

// RedisSettings holds Redis Streams transport configuration for Watermill.
type RedisSettings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Group    string `mapstructure:"group" yaml:"group"`
	Consumer string `mapstructure:"consumer" yaml:"consumer"`
}

// Settings configures the session event bus. Without Redis the bus is an
// in-process go channel.
type Settings struct {
	BufferSize int64         `mapstructure:"buffer_size" yaml:"buffer_size"`
	Redis      RedisSettings `mapstructure:"redis" yaml:"redis"`
}

func DefaultSettings() Settings {
	return Settings{
		BufferSize: 256,
		Redis: RedisSettings{
			Addr:     "localhost:6379",
			Group:    "chat-ui",
			Consumer: "ui-1",
		},
	}
}
