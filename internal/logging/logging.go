// Package logging builds the zipsigner process logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const redacted = "[REDACTED]"

// Logger is a logrus logger that owns its output.
type Logger struct {
	*log.Logger
	closer io.Closer
}

// New parses level and sends output to file, rotated by lumberjack. An empty
// file or "console" logs to stderr.
func New(level, file string) (*Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	l := &Logger{Logger: log.New()}
	l.SetLevel(lvl)
	l.SetFormatter(&CustomFormatter{TextFormatter: log.TextFormatter{FullTimestamp: true}})
	l.SetOutput(os.Stderr)

	if file != "" && file != "console" {
		lumberjackLogger := &lumberjack.Logger{
			// Log file absolute path, os agnostic
			Filename:   filepath.ToSlash(file),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		l.SetOutput(lumberjackLogger)
		l.closer = lumberjackLogger
	}
	return l, nil
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	l.SetOutput(io.Discard)
	return err
}

// CustomFormatter is a TextFormatter that never prints password fields.
type CustomFormatter struct {
	log.TextFormatter
}

func (f *CustomFormatter) Format(entry *log.Entry) ([]byte, error) {
	for k := range entry.Data {
		if isSensitiveField(k) {
			// entry.Data may be shared with the caller's Entry.
			data := make(log.Fields, len(entry.Data))
			for k, v := range entry.Data {
				if isSensitiveField(k) {
					v = redacted
				}
				data[k] = v
			}
			e := *entry
			e.Data = data
			return f.TextFormatter.Format(&e)
		}
	}
	return f.TextFormatter.Format(entry)
}

func isSensitiveField(name string) bool {
	name = strings.ToLower(name)
	return strings.Contains(name, "pass") || strings.Contains(name, "secret") || strings.Contains(name, "private")
}
