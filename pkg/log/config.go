package log

import (
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Pretty      bool   `mapstructure:"pretty"`
	ServiceName string `mapstructure:"service_name"`
	InstanceID  string `mapstructure:"instance_id"`
}

var (
	global   zerolog.Logger
	globalMu sync.RWMutex
	once     sync.Once
)

func init() {
	global = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// New creates a configured zerolog.Logger writing to w, or stdout when w is nil.
func New(cfg Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	ctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.ServiceName != "" {
		ctx = ctx.Str(FieldService, cfg.ServiceName)
	}
	if cfg.InstanceID != "" {
		ctx = ctx.Str(FieldInstance, cfg.InstanceID)
	}
	return ctx.Logger()
}

// Init initialises the global logger and routes the stdlib log package
// through it. Only the first call has an effect.
func Init(cfg Config) {
	once.Do(func() {
		l := New(cfg, nil)
		ReplaceGlobal(l)

		stdlog.SetFlags(0)
		stdlog.SetOutput(l.With().Str("source", "stdlog").Logger())
	})
}

// ReplaceGlobal swaps the global logger and returns a func restoring the
// previous one.
func ReplaceGlobal(l zerolog.Logger) func() {
	globalMu.Lock()
	prev := global
	global = l
	globalMu.Unlock()
	return func() { ReplaceGlobal(prev) }
}

// SetLevel changes the level of the global logger.
func SetLevel(level string) {
	lvl := ParseLevel(level)
	globalMu.Lock()
	changed := global.GetLevel() != lvl
	global = global.Level(lvl)
	l := global
	globalMu.Unlock()
	if changed {
		l.WithLevel(lvl).Str("level", lvl.String()).Msg("log level changed")
	}
}

// L returns the global logger.
func L() zerolog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
