package daemon

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "omprog_loki_"

// SessionMetrics counts what the session has seen and answered. It is also a
// prometheus.Collector so it can be served while the session runs.
type SessionMetrics struct {
	LinesBegin      int
	LinesCommit     int
	LinesRecord     int
	LinesInvalid    int
	AcksOK          int
	AcksDeferCommit int
	AcksError       int
	PushesSucceeded int
	PushesRejected  int
	PushesFailed    int
	EntriesPushed   int
	EntriesDropped  int
	mu              sync.RWMutex
}

func (m *SessionMetrics) IncLinesBegin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LinesBegin++
}

func (m *SessionMetrics) IncLinesCommit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LinesCommit++
}

func (m *SessionMetrics) IncLinesRecord() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LinesRecord++
}

func (m *SessionMetrics) IncLinesInvalid() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LinesInvalid++
}

func (m *SessionMetrics) IncAck(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch token {
	case AckOK:
		m.AcksOK++
	case AckDeferCommit:
		m.AcksDeferCommit++
	default:
		m.AcksError++
	}
}

func (m *SessionMetrics) AddPushSucceeded(entries int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PushesSucceeded++
	m.EntriesPushed += entries
}

func (m *SessionMetrics) AddPushRejected(entries int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PushesRejected++
	m.EntriesDropped += entries
}

func (m *SessionMetrics) IncPushFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PushesFailed++
}

func (m *SessionMetrics) GetMetricsStamp() SessionMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return SessionMetrics{
		LinesBegin:      m.LinesBegin,
		LinesCommit:     m.LinesCommit,
		LinesRecord:     m.LinesRecord,
		LinesInvalid:    m.LinesInvalid,
		AcksOK:          m.AcksOK,
		AcksDeferCommit: m.AcksDeferCommit,
		AcksError:       m.AcksError,
		PushesSucceeded: m.PushesSucceeded,
		PushesRejected:  m.PushesRejected,
		PushesFailed:    m.PushesFailed,
		EntriesPushed:   m.EntriesPushed,
		EntriesDropped:  m.EntriesDropped,
	}
}

var (
	linesDesc = prometheus.NewDesc(
		metricPrefix+"lines_total",
		"Number of input lines read, by kind",
		[]string{"kind"}, nil,
	)
	acksDesc = prometheus.NewDesc(
		metricPrefix+"acks_total",
		"Number of acknowledgements written, by token",
		[]string{"token"}, nil,
	)
	pushesDesc = prometheus.NewDesc(
		metricPrefix+"pushes_total",
		"Number of push requests sent to Loki, by outcome",
		[]string{"outcome"}, nil,
	)
	entriesPushedDesc = prometheus.NewDesc(
		metricPrefix+"entries_pushed_total",
		"Number of entries accepted by Loki",
		nil, nil,
	)
	entriesDroppedDesc = prometheus.NewDesc(
		metricPrefix+"entries_dropped_total",
		"Number of entries dropped because Loki rejected the request",
		nil, nil,
	)
)

func (m *SessionMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- linesDesc
	ch <- acksDesc
	ch <- pushesDesc
	ch <- entriesPushedDesc
	ch <- entriesDroppedDesc
}

func (m *SessionMetrics) Collect(ch chan<- prometheus.Metric) {
	s := m.GetMetricsStamp()

	counter := func(desc *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	counter(linesDesc, s.LinesBegin, "begin")
	counter(linesDesc, s.LinesCommit, "commit")
	counter(linesDesc, s.LinesRecord, "record")
	counter(linesDesc, s.LinesInvalid, "invalid")
	counter(acksDesc, s.AcksOK, "ok")
	counter(acksDesc, s.AcksDeferCommit, "defer_commit")
	counter(acksDesc, s.AcksError, "error")
	counter(pushesDesc, s.PushesSucceeded, "success")
	counter(pushesDesc, s.PushesRejected, "rejected")
	counter(pushesDesc, s.PushesFailed, "failed")
	counter(entriesPushedDesc, s.EntriesPushed)
	counter(entriesDroppedDesc, s.EntriesDropped)
}
