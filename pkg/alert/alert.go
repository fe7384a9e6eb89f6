// Package alert notifies operators of conditions that need a human: abandoned chunks
// and failed merges.
package alert

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// Alert is one operator notification.
type Alert struct {
	Title    string
	Severity Severity
	Err      error
	// Tags are indexed by the backend; keep values short.
	Tags    map[string]string
	Details map[string]any
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
	// Flush waits up to timeout for queued alerts to be delivered.
	Flush(timeout time.Duration) bool
}

// Config selects the Sentry project.
type Config struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
	Release     string `yaml:"release"`
}

// SentryNotifier reports alerts as Sentry events on its own hub.
type SentryNotifier struct {
	client *sentry.Client
	hub    *sentry.Hub
	mu     sync.Mutex
	logger *zap.Logger
}

// NewSentryNotifier creates a notifier from cfg.
func NewSentryNotifier(cfg Config, logger *zap.Logger) (*SentryNotifier, error) {
	return newSentryNotifier(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	}, logger)
}

func newSentryNotifier(opts sentry.ClientOptions, logger *zap.Logger) (*SentryNotifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return &SentryNotifier{
		client: client,
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger,
	}, nil
}

func level(s Severity) sentry.Level {
	switch s {
	case SeverityWarning:
		return sentry.LevelWarning
	case SeverityFatal:
		return sentry.LevelFatal
	}
	return sentry.LevelError
}

// Notify captures a as an exception event when it carries an error, otherwise as a
// message event.
func (n *SentryNotifier) Notify(_ context.Context, a Alert) error {
	if a.Title == "" {
		return errors.New("alert title cannot be empty")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	var id *sentry.EventID
	n.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level(a.Severity))
		scope.SetTags(a.Tags)
		scope.SetTag("alert", a.Title)
		if len(a.Details) > 0 {
			scope.SetContext("details", maps.Clone(a.Details))
		}
		if a.Err != nil {
			id = n.hub.CaptureException(fmt.Errorf("%s: %w", a.Title, a.Err))
		} else {
			id = n.hub.CaptureMessage(a.Title)
		}
	})
	if id != nil {
		n.logger.Debug("Alert sent", zap.String("title", a.Title), zap.String("event_id", string(*id)))
	}
	return nil
}

// Flush waits for queued events.
func (n *SentryNotifier) Flush(timeout time.Duration) bool {
	return n.client.Flush(timeout)
}

// LogNotifier writes alerts to a logger; used when no alert backend is configured.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, a Alert) error {
	logger := n.Logger
	if logger == nil {
		return nil
	}
	fields := []zap.Field{zap.String("severity", string(a.Severity))}
	for k, v := range a.Tags {
		fields = append(fields, zap.String(k, v))
	}
	if a.Err != nil {
		fields = append(fields, zap.Error(a.Err))
	}
	logger.Error("Alert: "+a.Title, fields...)
	return nil
}

func (LogNotifier) Flush(time.Duration) bool { return true }

// Memory keeps alerts in memory.
type Memory struct {
	mu     sync.Mutex
	alerts []Alert
}

func (m *Memory) Notify(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

func (*Memory) Flush(time.Duration) bool { return true }

// Alerts returns a copy of the alerts received so far.
func (m *Memory) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}
