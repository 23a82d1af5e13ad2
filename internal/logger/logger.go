package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

var (
	infoLogger  = log.New(os.Stderr, "[INFO] ", log.Ldate|log.Ltime)
	errorLogger = log.New(os.Stderr, "[ERROR] ", log.Ldate|log.Ltime)
	warnLogger  = log.New(os.Stderr, "[WARNING] ", log.Ldate|log.Ltime)
	debugLogger = log.New(io.Discard, "[DEBUG] ", log.Ldate|log.Ltime|log.Lshortfile)

	DebugEnabled = false

	logFile *os.File
)

// InitLogging sets up logging based on configuration. When debugMode is
// enabled and logPath is set, all levels are mirrored to the log file.
func InitLogging(debugMode bool, logPath string) error {
	DebugEnabled = debugMode

	out := io.Writer(os.Stderr)

	if logPath != "" {
		logDir := filepath.Dir(logPath)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		logFile = f
		out = io.MultiWriter(os.Stderr, f)
	}

	infoLogger = log.New(out, "[INFO] ", log.Ldate|log.Ltime)
	errorLogger = log.New(out, "[ERROR] ", log.Ldate|log.Ltime)
	warnLogger = log.New(out, "[WARNING] ", log.Ldate|log.Ltime)

	if DebugEnabled {
		debugLogger = log.New(out, "[DEBUG] ", log.Ldate|log.Ltime|log.Lshortfile)
	}

	return nil
}

// Close closes the log file if open.
func Close() {
	if logFile != nil {
		logFile.Close()
	}
}

func Infof(format string, v ...interface{}) {
	infoLogger.Printf(format, v...)
}

func Errorf(format string, v ...interface{}) {
	errorLogger.Printf(format, v...)
}

func Warnf(format string, v ...interface{}) {
	warnLogger.Printf(format, v...)
}

// Debugf logs only when debug mode is enabled.
func Debugf(format string, v ...interface{}) {
	if DebugEnabled {
		debugLogger.Printf(format, v...)
	}
}
