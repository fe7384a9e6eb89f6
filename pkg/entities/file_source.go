package entities

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

// FileSource reads entities from a JSON array or JSON-lines file.
type FileSource struct {
	path   string
	logger *zap.Logger
}

// NewFileSource creates a source over path.
func NewFileSource(path string, logger *zap.Logger) (*FileSource, error) {
	if path == "" {
		return nil, errors.New("entity file path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{path: path, logger: logger}, nil
}

// Path returns the underlying file.
func (s *FileSource) Path() string {
	return s.path
}

// Entities loads the whole file, orders it and applies f.
func (s *FileSource) Entities(ctx context.Context, f Filter) ([]Entity, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entities: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	list, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	Sort(list)

	out, err := Apply(list, f)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Entities loaded",
		zap.String("path", s.path),
		zap.Int("total", len(list)),
		zap.Int("selected", len(out)),
		zap.String("filter", f.Expr))
	return out, nil
}

// Decode parses a JSON array of entities, or one entity per line. Ids must be
// unique.
func Decode(data []byte) ([]Entity, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var list []Entity
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
	} else {
		var err error
		if list, err = decodeLines(bytes.NewReader(trimmed)); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{}, len(list))
	for _, e := range list {
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("duplicate entity id %s", e.ID)
		}
		seen[e.ID] = struct{}{}
	}
	return list, nil
}

func decodeLines(r io.Reader) ([]Entity, error) {
	var list []Entity
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		var e Entity
		if err := json.Unmarshal(text, &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		list = append(list, e)
	}
	return list, scanner.Err()
}

// Static is a Source over a fixed list.
type Static []Entity

func (s Static) Entities(ctx context.Context, f Filter) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list := append([]Entity(nil), s...)
	Sort(list)
	return Apply(list, f)
}
