// Package logging builds the process-wide zap logger: stderr plus an append-only
// running log and a fresh log file per invocation.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects where and how logs are written.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string `yaml:"level"`
	// Format of the stderr stream: console or json. Files are always json.
	Format string `yaml:"format"`
	// RunningLog is appended to by every invocation; empty disables it.
	RunningLog string `yaml:"running_log"`
	// InvocationDir receives one new log file per invocation; empty disables it.
	InvocationDir string `yaml:"invocation_dir"`
	// Description prefixes the invocation log name.
	Description string `yaml:"-"`
	// Stderr overrides the terminal stream, mostly for tests.
	Stderr io.Writer `yaml:"-"`
}

var nameCleaner = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Installer owns the logger built from a Config. It is set up at most once no
// matter how often EnsureInstalled is called.
type Installer struct {
	cfg  Config
	now  func() time.Time
	once sync.Once

	logger         *zap.Logger
	err            error
	files          []*os.File
	invocationPath string
}

// NewInstaller returns an installer for cfg. Nothing is opened until EnsureInstalled.
func NewInstaller(cfg Config) *Installer {
	return &Installer{cfg: cfg, now: time.Now}
}

// EnsureInstalled builds the logger on first call and returns the same logger (or
// the same error) on every later call.
func (i *Installer) EnsureInstalled() (*zap.Logger, error) {
	i.once.Do(func() {
		i.logger, i.err = i.install()
	})
	return i.logger, i.err
}

// InvocationPath is the per-invocation log file, empty if disabled or not installed.
func (i *Installer) InvocationPath() string {
	return i.invocationPath
}

func (i *Installer) install() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if i.cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(i.cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", i.cfg.Level, err)
		}
		level = parsed
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	var stderrEnc zapcore.Encoder
	switch i.cfg.Format {
	case "", "console":
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		stderrEnc = zapcore.NewConsoleEncoder(consoleCfg)
	case "json":
		stderrEnc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format %q", i.cfg.Format)
	}

	stderr := i.cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	cores := []zapcore.Core{
		zapcore.NewCore(stderrEnc, zapcore.Lock(zapcore.AddSync(stderr)), level),
	}

	if i.cfg.RunningLog != "" {
		f, err := openLog(i.cfg.RunningLog, os.O_APPEND)
		if err != nil {
			return nil, err
		}
		i.files = append(i.files, f)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(f), level))
	}

	if i.cfg.InvocationDir != "" {
		path := filepath.Join(i.cfg.InvocationDir, i.invocationName())
		f, err := openLog(path, os.O_EXCL)
		if err != nil {
			i.closeFiles()
			return nil, err
		}
		i.files = append(i.files, f)
		i.invocationPath = path
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(f), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// invocationName is <description>-<utc stamp>-<short uuid>.log.
func (i *Installer) invocationName() string {
	desc := strings.Trim(nameCleaner.ReplaceAllString(i.cfg.Description, "-"), "-")
	if desc == "" {
		desc = "daedalus"
	}
	stamp := i.now().UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%s-%s-%s.log", desc, stamp, uuid.NewString()[:8])
}

func openLog(path string, mode int) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return f, nil
}

// Close flushes the logger and closes the log files. The logger must not be used
// afterwards.
func (i *Installer) Close() error {
	var errs []error
	if i.logger != nil {
		// Sync on a terminal returns EINVAL or ENOTTY; files are synced below.
		_ = i.logger.Sync()
	}
	for _, f := range i.files {
		if err := f.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, i.closeFiles())
	return errors.Join(errs...)
}

func (i *Installer) closeFiles() error {
	var errs []error
	for _, f := range i.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	i.files = nil
	return errors.Join(errs...)
}
