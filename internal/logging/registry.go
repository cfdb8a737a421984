package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Registry hands out one logger per subscription. Each logger writes to the
// base logger and, when a directory is configured, to its own append-only
// file under it. Loggers are built once per name and reused.
type Registry struct {
	base *zap.Logger
	dir  string

	mu      sync.Mutex
	loggers map[string]*zap.Logger
	files   []*os.File
}

// NewRegistry creates a Registry writing per-subscription files under dir.
// An empty dir disables the file tee and loggers only wrap base.
func NewRegistry(base *zap.Logger, dir string) (*Registry, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log dir %s: %w", dir, err)
		}
	}
	return &Registry{
		base:    base,
		dir:     dir,
		loggers: make(map[string]*zap.Logger),
	}, nil
}

// For returns the logger for the named subscription, creating it on first use.
func (r *Registry) For(name string) (*zap.Logger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if logger, ok := r.loggers[name]; ok {
		return logger, nil
	}

	logger := r.base.Named(name)
	if r.dir != "" {
		path := filepath.Join(r.dir, "crawlagent-"+name+".log")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.Lock(zapcore.AddSync(f)),
			zapcore.InfoLevel,
		)
		logger = r.base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		})).Named(name)
		r.files = append(r.files, f)
	}

	r.loggers[name] = logger
	return logger, nil
}

// Close flushes every logger the registry created and closes their files.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, logger := range r.loggers {
		_ = logger.Sync()
	}
	for _, f := range r.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.files = nil
	return errors.Join(errs...)
}
