package utils

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel is the minimum severity a Logger writes
type LogLevel = zapcore.Level

const (
	DEBUG = zapcore.DebugLevel
	INFO  = zapcore.InfoLevel
	WARN  = zapcore.WarnLevel
	ERROR = zapcore.ErrorLevel
)

// ParseLevel maps a level name in any case to a LogLevel, defaulting to INFO
func ParseLevel(name string) LogLevel {
	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return INFO
	}
	return lvl
}

// Logger is a component-scoped zap logger. Packages log through it with the
// Field helpers below so that every core tags entries the same way.
type Logger struct {
	z *zap.Logger
}

// LoggerConfig configures a logger instance
type LoggerConfig struct {
	Level      LogLevel
	Component  string
	Output     io.Writer
	Colorize   bool
	ShowCaller bool
	JSON       bool
}

// NewLogger builds a console (or JSON) logger writing to config.Output, stdout by default
func NewLogger(config LoggerConfig) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	var encoder zapcore.Encoder
	if config.JSON {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		if config.Colorize {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var opts []zap.Option
	if config.ShowCaller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	z := zap.New(zapcore.NewCore(encoder, zapcore.AddSync(out), zap.NewAtomicLevelAt(config.Level)), opts...)
	if config.Component != "" {
		z = z.Named(config.Component)
	}
	return &Logger{z: z}
}

// DefaultLogger logs INFO and above to stdout
func DefaultLogger(component string) *Logger {
	return NewLogger(LoggerConfig{Level: INFO, Component: component, Colorize: true})
}

// NopLogger discards everything
func NopLogger() *Logger {
	return &Logger{z: zap.NewNop()}
}

func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

// Named returns a child logger; names nest with dots
func (l *Logger) Named(component string) *Logger {
	return &Logger{z: l.z.Named(component)}
}

func (l *Logger) Sync() error {
	return l.z.Sync()
}

func (l *Logger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field) { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field) { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }

// Field is a structured log attribute
type Field = zap.Field

func String(key, value string) Field { return zap.String(key, value) }
func Int(key string, value int) Field { return zap.Int(key, value) }
func Int64(key string, value int64) Field { return zap.Int64(key, value) }
func Uint32(key string, value uint32) Field { return zap.Uint32(key, value) }
func Uint64(key string, value uint64) Field { return zap.Uint64(key, value) }
func Float64(key string, value float64) Field { return zap.Float64(key, value) }
func Bool(key string, value bool) Field { return zap.Bool(key, value) }
func Duration(key string, d time.Duration) Field { return zap.Duration(key, d) }
func Any(key string, value interface{}) Field { return zap.Any(key, value) }
func Err(err error) Field { return zap.Error(err) }

// Hex32 renders a register, offset or tag as 0x%08x
func Hex32(key string, value uint32) Field {
	return zap.String(key, fmt.Sprintf("0x%08x", value))
}

var (
	globalMu     sync.RWMutex
	globalLogger = DefaultLogger("cipc")
)

// SetGlobalLogger replaces the logger handed to components built without one
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

func GlobalLogger() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}
