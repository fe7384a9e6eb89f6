// Package events publishes engine lifecycle events (task attempts, abandoned chunks,
// merges) to NATS subjects under a configurable prefix.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	inats "github.com/wehubfusion/Daedalus/internal/nats"
	"go.uber.org/zap"
)

// Event types. The subject of an event is <prefix>.<type>.
const (
	TypeRunStarted     = "run.started"
	TypeRunFinished    = "run.finished"
	TypeTaskFinished   = "task.finished"
	TypeTaskFailed     = "task.failed"
	TypeTaskAbandoned  = "task.abandoned"
	TypeMergePublished = "merge.published"
	TypeMergeFailed    = "merge.failed"
)

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "daedalus"

// Event is one lifecycle notification.
type Event struct {
	Type       string         `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Chunk      string         `json:"chunk,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	ReturnCode int            `json:"return_code,omitempty"`
	Message    string         `json:"message,omitempty"`
	Time       time.Time      `json:"time"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Conn is the subset of *nats.Conn used by NATSPublisher.
type Conn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher publishes events as JSON messages.
type NATSPublisher struct {
	conn   Conn
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher publishes over an existing connection.
func NewNATSPublisher(conn Conn, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

// Config selects the NATS server and subject prefix.
type Config struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Token         string        `yaml:"token"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Connect dials NATS and returns a publisher that owns the connection.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*NATSPublisher, error) {
	connCfg := inats.DefaultConnectionConfig(cfg.URL)
	connCfg.Token = cfg.Token
	connCfg.Username = cfg.Username
	connCfg.Password = cfg.Password
	if cfg.Timeout > 0 {
		connCfg.Timeout = cfg.Timeout
	}

	nc, err := inats.Connect(ctx, connCfg, logger)
	if err != nil {
		return nil, err
	}
	p, err := NewNATSPublisher(nc, cfg.SubjectPrefix, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.nc = nc
	return p, nil
}

// Subject returns the subject an event of type eventType is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// Publish encodes event and publishes it. A zero Time is set to now.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	subject := p.Subject(event.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	p.logger.Debug("Published event", zap.String("subject", subject), zap.String("task_id", event.TaskID))
	return nil
}

// Close drains the connection if the publisher dialled it.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return inats.Close(p.nc)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Memory keeps published events in memory.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType returns the published events of one type.
func (m *Memory) OfType(eventType string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
