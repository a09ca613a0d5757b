package listsync

import "time"

// Config is the configuration of the synchronization manager and service.
type Config struct {
	// TaskTimeout bounds a single level synchronization, including the byte
	// array download.
	TaskTimeout time.Duration `mapstructure:"task-timeout"`
	// SessionTimeout bounds a server session.
	SessionTimeout time.Duration `mapstructure:"session-timeout"`
	// StoreTimeout is the time a one-shot resource store waits for the
	// client's download before it's discarded.
	StoreTimeout time.Duration `mapstructure:"store-timeout"`
	// MaxClientSessions is the number of concurrent client synchronizations.
	// Further requests fail with PEER_CLIENT_BUSY.
	MaxClientSessions int64 `mapstructure:"max-client-sessions"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		TaskTimeout:       2 * time.Minute,
		SessionTimeout:    2 * time.Minute,
		StoreTimeout:      30 * time.Second,
		MaxClientSessions: 4,
	}
}
