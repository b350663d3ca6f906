package testutils

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/candlerb/rsyslog-omprog-loki/internal/logging"
)

// MockLogSender records every batch it is given. Errors are returned in order,
// one per call; once they run out every call succeeds.
type MockLogSender struct {
	SentBatches [][]logging.Stream
	Errors      []error
	mu          sync.Mutex
}

func (m *MockLogSender) SendBatch(_ context.Context, streams []logging.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SentBatches = append(m.SentBatches, streams)

	if len(m.Errors) > 0 {
		err := m.Errors[0]
		m.Errors = m.Errors[1:]
		return err
	}
	return nil
}

func (m *MockLogSender) GetSentBatches() [][]logging.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SentBatches
}

// NewNullLogger returns a logger that writes nowhere and a hook holding what was logged.
func NewNullLogger(t *testing.T) (*logrus.Logger, *test.Hook) {
	t.Helper()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	log.SetOutput(io.Discard)
	return log, hook
}

// Lines is a LineReader over a fixed list of lines.
type Lines struct {
	lines []string
	Err   error
}

func NewLines(lines ...string) *Lines {
	return &Lines{lines: lines}
}

func (l *Lines) ReadLine() (string, error) {
	if len(l.lines) == 0 {
		if l.Err != nil {
			return "", l.Err
		}
		return "", io.EOF
	}
	line := l.lines[0]
	l.lines = l.lines[1:]
	return line, nil
}
