// Package bleeplog builds the per-category zerolog.Logger instances
// backing logs/*.txt: one newline-delimited stream per category (general,
// debug, enum, user, agent, database), each redirectable. Call sites stay
// one line per event by way of zerolog's chained field API.
package bleeplog

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Category is one of the six named log streams.
type Category string

const (
	General  Category = "general"
	Debug    Category = "debug"
	Enum     Category = "enum"
	User     Category = "user"
	Agent    Category = "agent"
	Database Category = "database"
)

var allCategories = []Category{General, Debug, Enum, User, Agent, Database}

// Set owns one zerolog.Logger per category, each writing to its own file
// under logsDir, and closes every underlying file on Close.
type Set struct {
	mu      sync.Mutex
	loggers map[Category]zerolog.Logger
	files   []io.Closer
}

// NewSet creates loggers writing to <logsDir>/<category>.txt, creating the
// directory if needed. level sets the minimum level for every logger
// (parsed the way BLEEP_LOG_LEVEL is read in internal/config).
func NewSet(logsDir string, level zerolog.Level) (*Set, error) {
	if err := os.MkdirAll(logsDir, 0o700); err != nil {
		return nil, err
	}
	s := &Set{loggers: make(map[Category]zerolog.Logger)}
	for _, cat := range allCategories {
		f, err := os.OpenFile(filepath.Join(logsDir, string(cat)+".txt"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.files = append(s.files, f)
		s.loggers[cat] = zerolog.New(f).Level(level).With().Timestamp().Str("category", string(cat)).Logger()
	}
	return s, nil
}

// Logger returns the logger for category, or the General logger if the
// category is unknown.
func (s *Set) Logger(category Category) zerolog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.loggers[category]; ok {
		return l
	}
	return s.loggers[General]
}

// Close closes every underlying log file.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		f.Close()
	}
}

// ParseLevel parses BLEEP_LOG_LEVEL-style strings into a zerolog.Level,
// defaulting to InfoLevel for unrecognized input.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
