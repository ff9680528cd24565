package pkg

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields are attached to every entry of a child logger.
type Fields map[string]any

type requestIDKey struct{}

// zerolog keeps its time format in a package global. Several nodes may build
// loggers concurrently in one process, so it is set once.
var timeFormatOnce sync.Once

// Logger is a zerolog logger plus the resources it must release on Close.
type Logger struct {
	*zerolog.Logger
	closer io.Closer
}

// Config selects level, format and outputs.
type Config struct {
	Level  string // trace, debug, info, warn, error, disabled
	Format string // json or console

	Console ConsoleConfig
	File    FileConfig

	// AsyncWrite puts a diode ring buffer of BufferSize entries in front of
	// the outputs; entries are dropped rather than block the caller.
	AsyncWrite bool
	BufferSize int

	// Fields are added to every entry.
	Fields Fields
}

// ConsoleConfig controls terminal output.
type ConsoleConfig struct {
	Enable     bool
	Output     string // stdout or stderr
	NoColor    bool
	TimeFormat string
}

// FileConfig controls rotated file output.
type FileConfig struct {
	Enable     bool
	Path       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// DefaultConfig logs info and above as json to stdout.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Console: ConsoleConfig{
			Enable:     true,
			Output:     "stdout",
			TimeFormat: "15:04:05.000",
		},
		File: FileConfig{
			Path:       "chordring.log",
			MaxSizeMB:  100,
			MaxAgeDays: 30,
			MaxBackups: 10,
			Compress:   true,
		},
		BufferSize: 10000,
		Fields:     Fields{},
	}
}

// New builds a logger from config; nil means DefaultConfig.
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	out, closer, err := openOutputs(config)
	if err != nil {
		return nil, err
	}

	timeFormatOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano
	})

	zctx := zerolog.New(out).Level(level).With().Timestamp()
	for k, v := range config.Fields {
		zctx = zctx.Interface(k, v)
	}
	zl := zctx.Logger()

	return &Logger{Logger: &zl, closer: closer}, nil
}

// openOutputs combines the enabled outputs into one writer. The returned
// closer, if any, flushes the async buffer and closes the log file.
func openOutputs(config *Config) (io.Writer, io.Closer, error) {
	var outs []io.Writer
	var closer io.Closer

	if config.Console.Enable {
		outs = append(outs, consoleOutput(config))
	}

	if config.File.Enable {
		file, err := fileOutput(config.File)
		if err != nil {
			return nil, nil, err
		}
		outs = append(outs, file)
		closer = file
	}

	var out io.Writer
	switch len(outs) {
	case 0:
		out = io.Discard
	case 1:
		out = outs[0]
	default:
		out = zerolog.MultiLevelWriter(outs...)
	}

	if config.AsyncWrite {
		// Closing the diode also closes the wrapped writer when it is a Closer.
		dw := diode.NewWriter(out, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "logger: dropped %d entries\n", missed)
		})
		return dw, dw, nil
	}
	return out, closer, nil
}

func consoleOutput(config *Config) io.Writer {
	var w io.Writer = os.Stdout
	if config.Console.Output == "stderr" {
		w = os.Stderr
	}
	if config.Format != "console" {
		return w
	}
	return zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    config.Console.NoColor,
		TimeFormat: config.Console.TimeFormat,
	}
}

func fileOutput(cfg FileConfig) (*lumberjack.Logger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file output enabled without a path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxAge:     cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{Logger: &zl}
}

// WithFields returns a child logger carrying fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	zctx := l.Logger.With()
	for k, v := range fields {
		zctx = zctx.Interface(k, v)
	}
	zl := zctx.Logger()
	return &Logger{Logger: &zl}
}

// WithContext returns a child logger tagged with the request id in ctx, or l
// itself when ctx has none.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	id := RequestID(ctx)
	if id == "" {
		return l
	}
	zl := l.Logger.With().Str("request_id", id).Logger()
	return &Logger{Logger: &zl}
}

// UpdateLevel changes the minimum level of l.
func (l *Logger) UpdateLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zl := l.Logger.Level(lvl)
	l.Logger = &zl
	return nil
}

// Close flushes buffered entries and closes the log file.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ContextWithRequestID returns ctx carrying id for WithContext.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id stored by ContextWithRequestID, or "".
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
