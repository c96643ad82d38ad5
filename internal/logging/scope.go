package logging

import (
	"os"
	"path/filepath"
	"sync"
)

// ScopeLogFile is the name of the per-configuration log inside a scope directory.
const ScopeLogFile = "solver.log"

// Scope is a logger bound to a single configuration's solve. When opened with
// a directory it also writes every entry to <dir>/solver.log until closed.
type Scope struct {
	logger *Logger
	plain  *Logger
	dir    string
	file   *os.File
	once   sync.Once
	err    error
}

// OpenScope derives a scoped logger from base carrying fields. An empty dir
// opens a scope without a file.
func OpenScope(base *Logger, dir string, fields map[string]interface{}) (*Scope, error) {
	if base == nil {
		base = Discard()
	}
	logger := base.WithFields(fields)
	if dir == "" {
		return &Scope{logger: logger, plain: logger}, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, ScopeLogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Scope{logger: logger.Tee(f), plain: logger, dir: dir, file: f}, nil
}

// Logger returns the scoped logger.
func (s *Scope) Logger() *Logger {
	return s.logger
}

// Dir returns the scope directory, empty when none was requested.
func (s *Scope) Dir() string {
	return s.dir
}

// Close releases the log file. It is safe to call more than once; entries
// logged after Close only reach the base output.
func (s *Scope) Close() error {
	s.once.Do(func() {
		if s.file == nil {
			return
		}
		s.err = s.file.Close()
		s.logger = s.plain
	})
	return s.err
}
