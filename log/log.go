// Package log sets up zap loggers for the listsync daemon and its modules.
package log

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// ConsoleEncoder writes human readable log lines.
	ConsoleEncoder = "console"
	// JSONEncoder writes one JSON object per log line.
	JSONEncoder = "json"
)

// where logs go by default.
var logWriter io.Writer = os.Stdout

// Config holds the logging setup.
type Config struct {
	Encoder string `mapstructure:"encoder"`
	Level   string `mapstructure:"level"`
	// Modules overrides the level for the named module loggers.
	Modules map[string]string `mapstructure:"modules"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Encoder: ConsoleEncoder,
		Level:   zapcore.InfoLevel.String(),
		Modules: map[string]string{},
	}
}

// Root is the process logger together with its module level overrides.
type Root struct {
	logger  *zap.Logger
	modules map[string]zap.AtomicLevel
}

// New creates the root logger described by cfg.
func New(cfg Config) (*Root, error) {
	return newWithWriter(cfg, logWriter)
}

func newWithWriter(cfg Config, w io.Writer) (*Root, error) {
	var encoder zapcore.Encoder
	switch cfg.Encoder {
	case JSONEncoder:
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	case ConsoleEncoder, "":
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	default:
		return nil, fmt.Errorf("unknown log encoder %q", cfg.Encoder)
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	modules := make(map[string]zap.AtomicLevel, len(cfg.Modules))
	for name, lvl := range cfg.Modules {
		l, err := zap.ParseAtomicLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("parse log level for module %s: %w", name, err)
		}
		modules[name] = l
	}
	// the core accepts everything that any module may want to log,
	// levels are then narrowed down per module
	core := zapcore.NewCore(encoder, zapcore.AddSync(w), zapcore.DebugLevel)
	return &Root{
		logger:  zap.New(core).WithOptions(addDynamicLevel(level)),
		modules: modules,
	}, nil
}

// Logger returns the root logger.
func (r *Root) Logger() *zap.Logger {
	return r.logger
}

// Module returns a named logger, with the level override applied if one is
// configured for the module.
func (r *Root) Module(name string) *zap.Logger {
	lgr := r.logger.Named(name)
	if lvl, ok := r.modules[name]; ok {
		lgr = lgr.WithOptions(addDynamicLevel(lvl))
	}
	return lgr
}
