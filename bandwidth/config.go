package bandwidth

import "time"

const (
	// MinWaitTime and MaxWaitTime bound the delay between allocation
	// cycles. Shorter delays make the allocation oscillate.
	MinWaitTime = time.Second
	MaxWaitTime = 5 * time.Second
)

// Config configures the priority manager.
type Config struct {
	// TotalMaxSpeed caps the sum of the speeds of all regulated resources,
	// in bytes/s. 0 means unlimited.
	TotalMaxSpeed float64 `mapstructure:"total-max-speed"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{}
}
