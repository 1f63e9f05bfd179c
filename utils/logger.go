package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger provides logging functionality. A nil *Logger discards everything.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	logger  *log.Logger
	console io.Writer
}

// NewLogger creates a new logger writing to logPath and echoing to stderr
func NewLogger(logPath string) (*Logger, error) {
	// Ensure directory exists
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Logger{
		file:    file,
		logger:  log.New(file, "", log.LstdFlags),
		console: os.Stderr,
	}, nil
}

// NewWriterLogger creates a logger that writes only to w
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{logger: log.New(w, "", log.LstdFlags)}
}

// SetQuiet stops echoing log lines to the console
func (l *Logger) SetQuiet(quiet bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if quiet {
		l.console = nil
	} else if l.file != nil {
		l.console = os.Stderr
	}
}

// Close closes the logger
func (l *Logger) Close() error {
	if l != nil && l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) write(level, format string, v ...interface{}) {
	if l == nil {
		return
	}
	msg := fmt.Sprintf("["+level+"] "+format, v...)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Println(msg)
	if l.console != nil {
		fmt.Fprintln(l.console, msg)
	}
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	l.write("INFO", format, v...)
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.write("ERROR", format, v...)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.write("DEBUG", format, v...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) {
	l.write("WARN", format, v...)
}

// GetLogPath returns the log path for today inside dir
func GetLogPath(dir string) string {
	if dir == "" {
		dir = filepath.Join(".", "logs")
	}
	return filepath.Join(dir, fmt.Sprintf("app-%s.log", time.Now().Format("2006-01-02")))
}
