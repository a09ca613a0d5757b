package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func addDynamicLevel(level zap.AtomicLevel) zap.Option {
	return zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		if c, ok := core.(*coreWithLevel); ok {
			core = c.Core
		}
		return &coreWithLevel{
			Core: core,
			lvl:  level,
		}
	})
}

type coreWithLevel struct {
	zapcore.Core
	lvl zap.AtomicLevel
}

func (c *coreWithLevel) Enabled(level zapcore.Level) bool {
	return c.lvl.Enabled(level)
}

func (c *coreWithLevel) With(fields []zapcore.Field) zapcore.Core {
	return &coreWithLevel{Core: c.Core.With(fields), lvl: c.lvl}
}

func (c *coreWithLevel) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.lvl.Enabled(e.Level) {
		return ce
	}
	return ce.AddCore(e, c.Core)
}

const shortLen = 10

// ShortString returns a field holding at most the first 10 characters of a
// long identifier such as a digest or a store name.
func ShortString(name, value string) zap.Field {
	if len(value) > shortLen {
		value = value[:shortLen]
	}
	return zap.String(name, value)
}

// ShortStringer is ShortString for fmt.Stringer values.
func ShortStringer(name string, value fmt.Stringer) zap.Field {
	return ShortString(name, value.String())
}
