package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	activeLogName   = "audit.log"
	rotatedLogGlob  = "audit-*.log"
	rotationStamp   = "20060102T150405.000000000"
	defaultLogSize  = 100 * 1024 * 1024
	defaultLogFiles = 10
)

var errFileLoggerClosed = errors.New("audit log file is closed")

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	BasePath string // directory holding audit.log and its rotations
	Rotate   bool
	MaxSize  int64 // bytes before rotation, default 100MB
	MaxFiles int   // rotated files kept, default 10
}

// DefaultFileLoggerConfig returns default configuration
func DefaultFileLoggerConfig() FileLoggerConfig {
	return FileLoggerConfig{
		BasePath: "/var/log/rolegraph/audit",
		Rotate:   true,
		MaxSize:  defaultLogSize,
		MaxFiles: defaultLogFiles,
	}
}

// FileLogger appends events as JSON lines to BasePath/audit.log. With Rotate
// set, a full file is renamed to audit-<timestamp>.log before the next write
// and only the newest MaxFiles rotations are kept.
type FileLogger struct {
	cfg FileLoggerConfig
	now func() time.Time

	mu   sync.Mutex
	f    *os.File
	size int64
}

func NewFileLogger(config FileLoggerConfig) (*FileLogger, error) {
	if config.MaxSize <= 0 {
		config.MaxSize = defaultLogSize
	}
	if config.MaxFiles <= 0 {
		config.MaxFiles = defaultLogFiles
	}
	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	l := &FileLogger{cfg: config, now: time.Now}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) activePath() string {
	return filepath.Join(l.cfg.BasePath, activeLogName)
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.activePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}
	l.f, l.size = f, info.Size()
	return nil
}

func (l *FileLogger) full() bool {
	return l.cfg.Rotate && l.size >= l.cfg.MaxSize
}

// rotate renames the active file aside, prunes old rotations and reopens.
func (l *FileLogger) rotate() error {
	if err := l.f.Close(); err != nil {
		return err
	}
	l.f = nil
	// nanoseconds keep names unique when several rotations happen in one second
	name := "audit-" + l.now().UTC().Format(rotationStamp) + ".log"
	if err := os.Rename(l.activePath(), filepath.Join(l.cfg.BasePath, name)); err != nil {
		return errors.Join(fmt.Errorf("failed to rename log file: %w", err), l.open())
	}
	if err := l.prune(); err != nil {
		return err
	}
	return l.open()
}

func (l *FileLogger) prune() error {
	files, err := l.rotatedFiles()
	if err != nil {
		return err
	}
	for len(files) > l.cfg.MaxFiles {
		if err := os.Remove(files[0]); err != nil {
			return fmt.Errorf("failed to remove old audit log %s: %w", files[0], err)
		}
		files = files[1:]
	}
	return nil
}

// rotatedFiles lists rotations oldest first; the timestamp sorts lexically.
func (l *FileLogger) rotatedFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.cfg.BasePath, rotatedLogGlob))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (l *FileLogger) Log(ctx context.Context, event *Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event %s: %w", event.ID, err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errFileLoggerClosed
	}
	if l.full() {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate log file: %w", err)
		}
	}
	n, err := l.f.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// Close is idempotent.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadLogs returns up to count events from the active file, oldest first.
// Zero reads everything.
func (l *FileLogger) ReadLogs(count int) ([]*Event, error) {
	f, err := os.Open(l.activePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var events []*Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() && (count <= 0 || len(events) < count) {
		if len(sc.Bytes()) == 0 {
			continue
		}
		event := new(Event)
		if err := json.Unmarshal(sc.Bytes(), event); err != nil {
			return nil, fmt.Errorf("failed to decode audit log entry: %w", err)
		}
		events = append(events, event)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return events, nil
}
