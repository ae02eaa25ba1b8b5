package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatterLine(t *testing.T) {
	l := logrus.New()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.SetFormatter(&Formatter{SystemName: "pms-portal"})

	entry := l.WithFields(logrus.Fields{"event": "TASK_LOCKED", "task": 7, "developer": 3})
	entry.Time = time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)
	entry.Warn("task locked")

	line := buf.String()
	assert.Contains(t, line, "Date: 2026-05-01, Time: 12:30:00.000, ")
	assert.Contains(t, line, "Event Source: pms-portal, ")
	assert.Contains(t, line, "Event Type: WARNING, ")
	assert.Contains(t, line, "Event ID: TASK_LOCKED, ")
	assert.Contains(t, line, "Message: task locked, developer=3, task=7\n")
}

func TestFormatterGeneratesEventID(t *testing.T) {
	f := &Formatter{SystemName: "x"}
	out, err := f.Format(&logrus.Entry{Logger: logrus.New(), Data: logrus.Fields{}, Level: logrus.InfoLevel, Message: "m"})
	require.NoError(t, err)
	assert.Regexp(t, `Event ID: [0-9a-f-]{36}, `, string(out))
}

func TestInit(t *testing.T) {
	t.Cleanup(func() {
		Logger.SetOutput(os.Stderr)
		Logger.SetLevel(logrus.InfoLevel)
	})

	file := filepath.Join(t.TempDir(), "logs", "portal.log")
	l, err := Init(Config{System: "pms-portal", Level: "debug", Format: "json", File: file})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.FileExists(t, file)

	_, err = Init(Config{Level: "loud"})
	assert.Error(t, err)
	_, err = Init(Config{Format: "xml"})
	assert.Error(t, err)
}
