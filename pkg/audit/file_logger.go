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
	activeFileName   = "audit.log"
	rotatedPattern   = "audit-*.log"
	rotatedTimestamp = "20060102T150405.000000000"

	defaultMaxFileSize   = 100 << 20
	defaultRotatedToKeep = 10
)

var errFileLoggerClosed = errors.New("audit file logger is closed")

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	BasePath string // directory holding audit.log and its rotations
	Rotate   bool
	MaxSize  int64 // bytes; default 100MB
	MaxFiles int   // rotated files kept; default 10
}

// DefaultFileLoggerConfig returns default configuration
func DefaultFileLoggerConfig() FileLoggerConfig {
	return FileLoggerConfig{
		BasePath: "/var/log/warden/audit",
		Rotate:   true,
		MaxSize:  defaultMaxFileSize,
		MaxFiles: defaultRotatedToKeep,
	}
}

// FileLogger appends entries to audit.log as JSON lines. With rotation on,
// a full file is renamed to audit-<utc timestamp>.log before the next write.
type FileLogger struct {
	cfg FileLoggerConfig

	mu   sync.Mutex
	file *os.File
	size int64
}

func NewFileLogger(cfg FileLoggerConfig) (*FileLogger, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxFileSize
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = defaultRotatedToKeep
	}
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	l := &FileLogger{cfg: cfg}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) activePath() string {
	return filepath.Join(l.cfg.BasePath, activeFileName)
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.activePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}
	l.file, l.size = f, info.Size()
	return nil
}

// rotate moves the active file aside, reopens a fresh one and prunes old rotations
func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil

	rotated := filepath.Join(l.cfg.BasePath, "audit-"+time.Now().UTC().Format(rotatedTimestamp)+".log")
	if err := os.Rename(l.activePath(), rotated); err != nil {
		return fmt.Errorf("failed to rename log file: %w", err)
	}
	if err := l.open(); err != nil {
		return err
	}
	return l.prune()
}

// prune keeps the newest MaxFiles rotations; names sort by time
func (l *FileLogger) prune() error {
	old, err := filepath.Glob(filepath.Join(l.cfg.BasePath, rotatedPattern))
	if err != nil || len(old) <= l.cfg.MaxFiles {
		return err
	}
	sort.Strings(old)
	for _, path := range old[:len(old)-l.cfg.MaxFiles] {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove old audit log %s: %w", path, err)
		}
	}
	return nil
}

// Log appends entry, rotating first when the active file is full
func (l *FileLogger) Log(_ context.Context, entry *Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errFileLoggerClosed
	}
	if l.cfg.Rotate && l.size >= l.cfg.MaxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// Close closes the active file; closing twice is a no-op
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadEntries decodes up to count entries from the active file, oldest
// first. count <= 0 reads the whole file.
func (l *FileLogger) ReadEntries(count int) ([]*Entry, error) {
	f, err := os.Open(l.activePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var entries []*Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("failed to decode audit log entry: %w", err)
		}
		entries = append(entries, &e)
		if count > 0 && len(entries) == count {
			return entries, nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return entries, nil
}
