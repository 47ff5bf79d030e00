package telemetry

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// dailyWriter appends to app-YYYYMMDD.log under dir, switching files when
// the UTC day changes. Safe for concurrent use by the zap core.
type dailyWriter struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

func newDailyWriter(dir string) (*dailyWriter, error) {
	w := &dailyWriter{dir: dir, now: time.Now}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	// Open eagerly so a bad log directory fails at startup, not mid-run.
	return w, w.rotate(w.now().UTC().Format("20060102"))
}

// rotate must be called with w.mu held.
func (w *dailyWriter) rotate(day string) error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return err
		}
		w.file = nil
	}
	f, err := os.OpenFile(filepath.Join(w.dir, "app-"+day+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.day = day
	w.file = f
	return nil
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if day := w.now().UTC().Format("20060102"); day != w.day || w.file == nil {
		if err := w.rotate(day); err != nil {
			return 0, err
		}
	}
	return w.file.Write(p)
}

func (w *dailyWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *dailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// fileEncoderConfig keeps the on-disk line shape compact:
// {"ts":..., "level":..., "service":..., "module":..., "msg":..., "ctx":{...}}.
// The module field is populated by logger.Named, the ctx object by Ctx.
func fileEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "module",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}
}

// NewLogger builds the service logger. When logDir is empty it is a plain
// zap production logger; otherwise every entry is additionally appended to
// a daily JSON log file under logDir. The returned cleanup flushes and
// closes the file and must run on shutdown.
func NewLogger(service string, logDir string) (*zap.Logger, func(), error) {
	base, err := zap.NewProduction()
	if err != nil {
		return nil, nil, err
	}
	if logDir == "" {
		return base, func() { _ = base.Sync() }, nil
	}

	w, err := newDailyWriter(logDir)
	if err != nil {
		return nil, nil, err
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderConfig()),
		zapcore.AddSync(w),
		zapcore.InfoLevel,
	).With([]zapcore.Field{zap.String("service", service)})

	logger := base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	cleanup := func() {
		_ = logger.Sync()
		_ = w.Close()
	}
	return logger, cleanup, nil
}

// Ctx nests the given fields under a "ctx" object on the log line.
func Ctx(fields ...zap.Field) []zap.Field {
	return append([]zap.Field{zap.Namespace("ctx")}, fields...)
}
