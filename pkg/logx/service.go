package logx

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultLogPath = "./leadpulse.log"

// Service owns the root zerolog logger and everything it writes to. Apply
// swaps outputs in place; Loggers obtained from it pick up the change on
// their next call.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu     sync.Mutex
	file   *os.File
	alerts *alertPump
	sink   AlertSink
	closed bool
}

// New builds the service and a Logger bound to it. sink may be nil, in
// which case alert forwarding stays off regardless of cfg.
func New(cfg Config, sink AlertSink) (*Service, Logger) {
	setGlobals()
	s := &Service{sink: sink}
	nop := zerolog.Nop()
	s.root.Store(&nop)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the writer chain. A file that cannot be opened is skipped
// and reported on the console output.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	writers, fileErr := s.buildWriters(cfg)
	var w io.Writer
	switch len(writers) {
	case 0:
		w = io.Discard
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(w).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(&zl)
	if fileErr != nil {
		zl.Warn().Err(fileErr).Str("path", cfg.File.Path).Msg("log file disabled")
	}
}

// buildWriters must be called with s.mu held.
func (s *Service) buildWriters(cfg Config) ([]io.Writer, error) {
	var out []io.Writer
	if cfg.Console || (!cfg.File.Enabled && !cfg.Alerts.Enabled) {
		out = append(out, newConsoleWriter(os.Stdout))
	}

	var fileErr error
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogPath
		}
		if s.file == nil || s.file.Name() != path {
			s.closeFile()
			s.file, fileErr = openLogFile(path)
		}
	} else {
		s.closeFile()
	}
	if s.file != nil {
		out = append(out, s.file)
	}

	if cfg.Alerts.Enabled && s.sink != nil {
		if s.alerts == nil {
			s.alerts = startAlertPump(s.sink)
		}
		s.alerts.configure(cfg.Alerts)
		out = append(out, s.alerts)
	} else if s.alerts != nil {
		s.alerts.stop()
		s.alerts = nil
	}
	return out, fileErr
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func (s *Service) closeFile() {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}

// Close stops alert forwarding and closes the log file. The bound Loggers
// become no-ops.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	nop := zerolog.Nop()
	s.root.Store(&nop)
	if s.alerts != nil {
		s.alerts.stop()
		s.alerts = nil
	}
	var err error
	if s.file != nil {
		err = s.file.Close()
		s.file = nil
	}
	return err
}
