package daemon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlerb/rsyslog-omprog-loki/internal/logging"
	"github.com/candlerb/rsyslog-omprog-loki/internal/logging/batch"
	"github.com/candlerb/rsyslog-omprog-loki/internal/logging/loki"
	"github.com/candlerb/rsyslog-omprog-loki/internal/testutils"
)

const (
	lineHello = "2024-01-01T00:00:00Z {job=\"x\"} hello\n"
	lineWorld = "2024-01-01T00:00:01Z {job=\"x\"} world\n"
	lineOther = "2024-01-01T00:00:02Z {job=\"y\"} other\n"
)

func newTestSession(t *testing.T, config Config, errs ...error) (*Session, *testutils.MockLogSender, *bytes.Buffer, *test.Hook) {
	t.Helper()
	mockSender := &testutils.MockLogSender{Errors: errs}
	log, hook := testutils.NewNullLogger(t)
	out := &bytes.Buffer{}
	s := NewSession(config, batch.NewBatchProcessor(mockSender, log), out, log)
	return s, mockSender, out, hook
}

func acks(out *bytes.Buffer) []string {
	return strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
}

func TestSession_Transaction(t *testing.T) {
	s, mockSender, out, _ := newTestSession(t, Config{ConfirmMessages: true})

	err := s.Run(context.Background(), testutils.NewLines(
		BeginTransactionMark, lineHello, lineWorld, CommitTransactionMark,
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"OK", "OK", "DEFER_COMMIT", "DEFER_COMMIT", "OK"}, acks(out))

	batches := mockSender.GetSentBatches()
	require.Equal(t, 1, len(batches))
	assert.Equal(t, []logging.Stream{{
		Labels: `{job="x"}`,
		Records: []logging.Record{
			{Timestamp: "2024-01-01T00:00:00Z", Message: "hello"},
			{Timestamp: "2024-01-01T00:00:01Z", Message: "world"},
		},
	}}, batches[0])
	assert.False(t, s.InTransaction())
}

func TestSession_NoFlushInsideTransaction(t *testing.T) {
	s, mockSender, _, _ := newTestSession(t, Config{ConfirmMessages: true})
	ctx := context.Background()

	assert.Equal(t, AckOK, s.Dispatch(ctx, BeginTransactionMark))
	assert.True(t, s.InTransaction())
	for _, line := range []string{lineHello, lineOther, lineWorld} {
		assert.Equal(t, AckDeferCommit, s.Dispatch(ctx, line))
	}
	assert.Empty(t, mockSender.GetSentBatches())
	assert.Equal(t, 3, s.processor.Pending())

	assert.Equal(t, AckOK, s.Dispatch(ctx, CommitTransactionMark))

	batches := mockSender.GetSentBatches()
	require.Equal(t, 1, len(batches))
	require.Equal(t, 2, len(batches[0]))
	assert.Equal(t, `{job="x"}`, batches[0][0].Labels)
	assert.Equal(t, "hello", batches[0][0].Records[0].Message)
	assert.Equal(t, "world", batches[0][0].Records[1].Message)
	assert.Equal(t, `{job="y"}`, batches[0][1].Labels)
	assert.Equal(t, 0, s.processor.Pending())
}

func TestSession_FlushEachLineOutsideTransaction(t *testing.T) {
	s, mockSender, out, _ := newTestSession(t, Config{ConfirmMessages: true})

	err := s.Run(context.Background(), testutils.NewLines(lineHello, lineOther, lineWorld))
	require.NoError(t, err)

	assert.Equal(t, []string{"OK", "OK", "OK", "OK"}, acks(out))

	batches := mockSender.GetSentBatches()
	require.Equal(t, 3, len(batches))
	for _, b := range batches {
		require.Equal(t, 1, len(b))
		assert.Equal(t, 1, len(b[0].Records))
	}
	assert.Equal(t, "other", batches[1][0].Records[0].Message)
	assert.Equal(t, 0, s.processor.Pending())
}

func TestSession_InvalidLines(t *testing.T) {
	s, mockSender, out, hook := newTestSession(t, Config{ConfirmMessages: true})

	err := s.Run(context.Background(), testutils.NewLines(
		"garbage\n",
		BeginTransactionMark,
		"2024-01-01 00:00:00 {job=\"x\"} space in timestamp\n",
		lineHello,
		"no labels here\n",
		CommitTransactionMark,
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"OK", "OK", "OK", "DEFER_COMMIT", "DEFER_COMMIT", "DEFER_COMMIT", "OK"}, acks(out))

	batches := mockSender.GetSentBatches()
	require.Equal(t, 1, len(batches))
	require.Equal(t, 1, len(batches[0]))
	assert.Equal(t, []logging.Record{{Timestamp: "2024-01-01T00:00:00Z", Message: "hello"}}, batches[0][0].Records)

	var warnings int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.HasPrefix(e.Message, "Invalid line") {
			warnings++
		}
	}
	assert.Equal(t, 3, warnings)
	assert.Equal(t, 3, s.Metrics().GetMetricsStamp().LinesInvalid)
}

func TestSession_EmptyTransaction(t *testing.T) {
	s, mockSender, _, _ := newTestSession(t, Config{ConfirmMessages: true})
	ctx := context.Background()

	assert.Equal(t, AckOK, s.Dispatch(ctx, BeginTransactionMark))
	assert.Equal(t, AckDeferCommit, s.Dispatch(ctx, "bad\n"))
	assert.Equal(t, AckOK, s.Dispatch(ctx, CommitTransactionMark))

	assert.Empty(t, mockSender.GetSentBatches())
}

func TestSession_RepeatedBegin(t *testing.T) {
	s, mockSender, _, _ := newTestSession(t, Config{ConfirmMessages: true})
	ctx := context.Background()

	s.Dispatch(ctx, BeginTransactionMark)
	s.Dispatch(ctx, lineHello)
	assert.Equal(t, AckOK, s.Dispatch(ctx, BeginTransactionMark))
	assert.Equal(t, AckDeferCommit, s.Dispatch(ctx, lineWorld))
	assert.Empty(t, mockSender.GetSentBatches())

	s.Dispatch(ctx, CommitTransactionMark)
	batches := mockSender.GetSentBatches()
	require.Equal(t, 1, len(batches))
	assert.Equal(t, 2, len(batches[0][0].Records))
}

func TestSession_MarkersNeedNewline(t *testing.T) {
	s, _, _, _ := newTestSession(t, Config{ConfirmMessages: true})
	ctx := context.Background()

	assert.Equal(t, AckOK, s.Dispatch(ctx, "BEGIN TRANSACTION"))
	assert.False(t, s.InTransaction())
	assert.Equal(t, AckOK, s.Dispatch(ctx, "BEGIN TRANSACTION\r\n"))
	assert.False(t, s.InTransaction())
}

func TestSession_ServerErrorAcknowledgement(t *testing.T) {
	s, _, out, _ := newTestSession(t, Config{ConfirmMessages: true},
		&logging.PushError{StatusCode: 503, Body: "ingester\nunavailable"})

	err := s.Run(context.Background(), testutils.NewLines(
		BeginTransactionMark, lineHello, CommitTransactionMark,
		BeginTransactionMark, lineHello, CommitTransactionMark,
	))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"OK",
		"OK", "DEFER_COMMIT", "Loki error: code 503: ingester unavailable",
		"OK", "DEFER_COMMIT", "OK",
	}, acks(out))

	m := s.Metrics().GetMetricsStamp()
	assert.Equal(t, 1, m.PushesFailed)
	assert.Equal(t, 1, m.PushesSucceeded)
	assert.Equal(t, 1, m.AcksError)
}

func TestSession_ClientErrorAcknowledgement(t *testing.T) {
	s, _, _, hook := newTestSession(t, Config{ConfirmMessages: true},
		&logging.PushError{StatusCode: 422, Body: "bad"})

	assert.Equal(t, AckOK, s.Dispatch(context.Background(), lineHello))
	assert.Equal(t, 0, s.processor.Pending())

	require.NotNil(t, hook.LastEntry())
	m := s.Metrics().GetMetricsStamp()
	assert.Equal(t, 1, m.PushesRejected)
	assert.Equal(t, 1, m.EntriesDropped)
}

func TestSession_ConfirmDisabled(t *testing.T) {
	s, mockSender, out, _ := newTestSession(t, Config{ConfirmMessages: false})

	err := s.Run(context.Background(), testutils.NewLines(BeginTransactionMark, lineHello, CommitTransactionMark))
	require.NoError(t, err)

	assert.Empty(t, out.String())
	assert.Equal(t, 1, len(mockSender.GetSentBatches()))
	assert.Equal(t, 0, s.Metrics().GetMetricsStamp().AcksOK)
}

func TestSession_MaxLineSize(t *testing.T) {
	s, mockSender, _, _ := newTestSession(t, Config{ConfirmMessages: true, MaxLineSize: len(lineHello) - 1})
	ctx := context.Background()

	assert.Equal(t, AckOK, s.Dispatch(ctx, lineHello))
	assert.Equal(t, AckOK, s.Dispatch(ctx, "2024-01-01T00:00:00Z {job=\"x\"} hello!\n"))
	assert.Equal(t, 1, len(mockSender.GetSentBatches()))

	s.Dispatch(ctx, BeginTransactionMark)
	assert.Equal(t, AckDeferCommit, s.Dispatch(ctx, strings.TrimSuffix(lineHello, "\n")+"padding\n"))
}

func TestSession_UnflushedBatchLostAtEOF(t *testing.T) {
	s, mockSender, out, _ := newTestSession(t, Config{ConfirmMessages: true})

	err := s.Run(context.Background(), testutils.NewLines(BeginTransactionMark, lineHello))
	require.NoError(t, err)

	assert.Equal(t, []string{"OK", "OK", "DEFER_COMMIT"}, acks(out))
	assert.Empty(t, mockSender.GetSentBatches())
	assert.True(t, s.InTransaction())
}

func TestSession_ReadError(t *testing.T) {
	s, _, _, _ := newTestSession(t, Config{ConfirmMessages: true})

	lines := testutils.NewLines(lineHello)
	lines.Err = errors.New("broken pipe")

	err := s.Run(context.Background(), lines)
	assert.ErrorContains(t, err, "broken pipe")
}

func TestSession_ContextCancellation(t *testing.T) {
	s, _, _, _ := newTestSession(t, Config{ConfirmMessages: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx, testutils.NewLines(lineHello))
	assert.ErrorIs(t, err, context.Canceled)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestSession_AckWriteFailure(t *testing.T) {
	log, _ := testutils.NewNullLogger(t)
	s := NewSession(Config{ConfirmMessages: true}, batch.NewBatchProcessor(&testutils.MockLogSender{}, log), failingWriter{}, log)

	err := s.Run(context.Background(), testutils.NewLines(lineHello))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

// mockLoki records push bodies and answers with the next queued status.
type mockLoki struct {
	mu       sync.Mutex
	statuses []int
	bodies   []loki.Payload
}

func (m *mockLoki) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var payload loki.Payload
	_ = jsoniter.NewDecoder(r.Body).Decode(&payload)
	m.bodies = append(m.bodies, payload)

	status := http.StatusNoContent
	if len(m.statuses) > 0 {
		status, m.statuses = m.statuses[0], m.statuses[1:]
	}
	w.WriteHeader(status)
	if status >= 300 {
		_, _ = w.Write([]byte("status\nbody"))
	}
}

func runAgainstLoki(t *testing.T, backend *mockLoki, lines ...string) []string {
	t.Helper()
	server := httptest.NewServer(backend)
	defer server.Close()

	log, _ := testutils.NewNullLogger(t)
	sender := loki.NewLokiSender(server.URL+"/api/prom/push", loki.Options{Timeout: time.Second})
	out := &bytes.Buffer{}
	s := NewSession(Config{ConfirmMessages: true}, batch.NewBatchProcessor(sender, log), out, log)

	require.NoError(t, s.Run(context.Background(), testutils.NewLines(lines...)))
	return acks(out)
}

func TestSession_LokiScenario(t *testing.T) {
	backend := &mockLoki{}

	got := runAgainstLoki(t, backend, BeginTransactionMark, lineHello, lineWorld, CommitTransactionMark)

	assert.Equal(t, []string{"OK", "OK", "DEFER_COMMIT", "DEFER_COMMIT", "OK"}, got)
	require.Equal(t, 1, len(backend.bodies))
	require.Equal(t, 1, len(backend.bodies[0].Streams))
	assert.Equal(t, `{job="x"}`, backend.bodies[0].Streams[0].Labels)
	assert.Equal(t, []loki.Entry{
		{Timestamp: "2024-01-01T00:00:00Z", Line: "hello"},
		{Timestamp: "2024-01-01T00:00:01Z", Line: "world"},
	}, backend.bodies[0].Streams[0].Entries)
}

func TestSession_LokiStatuses(t *testing.T) {
	backend := &mockLoki{statuses: []int{http.StatusOK, http.StatusUnprocessableEntity, http.StatusServiceUnavailable}}

	got := runAgainstLoki(t, backend, lineHello, lineWorld, lineOther)

	require.Equal(t, 4, len(got))
	assert.Equal(t, []string{"OK", "OK", "OK"}, got[:3])
	assert.Contains(t, got[3], "503")
	assert.NotEqual(t, AckOK, got[3])
	assert.Equal(t, 3, len(backend.bodies))
}

func TestSession_LokiUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	log, _ := testutils.NewNullLogger(t)
	sender := loki.NewLokiSender(url, loki.Options{Timeout: time.Second})
	out := &bytes.Buffer{}
	s := NewSession(Config{ConfirmMessages: true}, batch.NewBatchProcessor(sender, log), out, log)

	require.NoError(t, s.Run(context.Background(), testutils.NewLines(lineHello)))

	got := acks(out)
	require.Equal(t, 2, len(got))
	assert.True(t, strings.HasPrefix(got[1], "Loki error: "))
	assert.Equal(t, 0, s.processor.Pending())
}
