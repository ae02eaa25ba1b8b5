// Package logging configures the process-wide logrus logger.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the global logger instance.
var Logger = logrus.New()

type Config struct {
	System string
	Level  string // logrus level name, default info
	Format string // "text" or "json"
	File   string // optional rotated log file, in addition to stdout
}

// Formatter writes one line per entry with the source system and an event id.
// A field named "event" is used as the id, otherwise a fresh uuid.
type Formatter struct {
	SystemName string
}

func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	t := entry.Time.UTC()
	fmt.Fprintf(b, "Date: %s, Time: %s, ", t.Format("2006-01-02"), t.Format("15:04:05.000"))
	fmt.Fprintf(b, "Event Source: %s, ", f.SystemName)
	fmt.Fprintf(b, "Event Type: %s, ", strings.ToUpper(entry.Level.String()))

	eventID, ok := entry.Data["event"].(string)
	if !ok || eventID == "" {
		eventID = uuid.New().String()
	}
	fmt.Fprintf(b, "Event ID: %s, ", eventID)
	fmt.Fprintf(b, "Message: %s", entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != "event" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, ", %s=%v", k, entry.Data[k])
	}

	if entry.HasCaller() {
		fmt.Fprintf(b, ", Location: %s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// Init applies c to Logger and returns it.
func Init(c Config) (*logrus.Logger, error) {
	level := logrus.InfoLevel
	if c.Level != "" {
		l, err := logrus.ParseLevel(c.Level)
		if err != nil {
			return nil, err
		}
		level = l
	}
	Logger.SetLevel(level)

	switch strings.ToLower(c.Format) {
	case "", "text":
		Logger.SetFormatter(&Formatter{SystemName: c.System})
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}

	var out io.Writer = os.Stdout
	if c.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.File), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	Logger.SetOutput(out)

	Logger.WithFields(logrus.Fields{"event": "LOGGER_INITIALIZED", "level": level.String()}).Info("logger initialized")
	return Logger, nil
}
