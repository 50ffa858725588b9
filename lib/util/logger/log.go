package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	log  *Logger
	once sync.Once
)

// Fields is the structured field set attached to a log entry.
type Fields = logrus.Fields

type Logger struct {
	*logrus.Logger
}

// Entry is a log entry carrying fields. Warn and Error honour WARNFAIL_NAN.
type Entry struct {
	*logrus.Entry
}

func (l *Logger) Warn(args ...interface{}) {
	warnFatal(args...)
	l.Logger.Warn(args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	warnFatalf(format, args...)
	l.Logger.Warnf(format, args...)
}

func (l *Logger) Error(args ...interface{}) {
	warnFatal(args...)
	l.Logger.Error(args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	warnFatalf(format, args...)
	l.Logger.Errorf(format, args...)
}

func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{l.Logger.WithField(key, value)}
}

func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{l.Logger.WithFields(fields)}
}

func (l *Logger) WithError(err error) *Entry {
	return &Entry{l.Logger.WithError(err)}
}

func (e *Entry) WithField(key string, value interface{}) *Entry {
	return &Entry{e.Entry.WithField(key, value)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{e.Entry.WithFields(fields)}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{e.Entry.WithError(err)}
}

func (e *Entry) Warn(args ...interface{}) {
	warnFatal(args...)
	e.Entry.Warn(args...)
}

func (e *Entry) Error(args ...interface{}) {
	warnFatal(args...)
	e.Entry.Error(args...)
}

func warnFatal(args ...interface{}) {
	if failFast != "" {
		log.Logger.Fatal(args...)
	}
}

func warnFatalf(format string, args ...interface{}) {
	if failFast != "" {
		log.Logger.Fatalf(format, args...)
	}
}

var failFast string

func InitializeNanLogger() {
	once.Do(func() {
		log = &Logger{}
		log.Logger = logrus.New()
		// We do not want to log by default
		log.SetOutput(io.Discard)
		log.SetLevel(logrus.PanicLevel)
		if logLevel := os.Getenv("DEBUG_NAN"); logLevel != "" {
			failFast = os.Getenv("WARNFAIL_NAN")
			if failFast != "" {
				logLevel = "debug"
			}
			log.SetOutput(os.Stdout)
			log.SetLevel(parseLevel(logLevel))
			log.WithField("level", log.GetLevel()).Debug("Logging enabled.")
		}
	})
}

// Configure overrides level and output after initialization, e.g. from the
// config file. An empty level leaves the environment-derived setup in place.
func Configure(level string, out io.Writer) {
	l := GetNanLogger()
	if level == "" {
		return
	}
	if out == nil {
		out = os.Stderr
	}
	l.SetOutput(out)
	l.SetLevel(parseLevel(level))
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "off", "none":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}

// GetNanLogger returns the initialized Logger
func GetNanLogger() *Logger {
	if log == nil {
		InitializeNanLogger()
	}
	return log
}

func init() {
	InitializeNanLogger()
}
