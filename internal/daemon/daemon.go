package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/candlerb/rsyslog-omprog-loki/internal/input"
	"github.com/candlerb/rsyslog-omprog-loki/internal/logging"
	"github.com/candlerb/rsyslog-omprog-loki/internal/logging/batch"
)

// The markers include the trailing newline; a final line without one is data.
const (
	BeginTransactionMark  = "BEGIN TRANSACTION\n"
	CommitTransactionMark = "COMMIT TRANSACTION\n"
)

type Config struct {
	ConfirmMessages bool
	// If > 0, data lines longer than this many bytes are discarded as invalid
	MaxLineSize     int
}

// Session speaks the omprog protocol for the life of the process. It is not
// safe for concurrent use: lines are handled strictly one after another and a
// push blocks the loop, which is what keeps rsyslog from running ahead.
type Session struct {
	config        Config
	processor     *batch.Processor
	ack           *Acknowledger
	log           logrus.FieldLogger
	metrics       *SessionMetrics
	inTransaction bool
}

func NewSession(config Config, processor *batch.Processor, out io.Writer, log logrus.FieldLogger) *Session {
	return &Session{
		config:    config,
		processor: processor,
		ack:       NewAcknowledger(out, config.ConfirmMessages),
		log:       log,
		metrics:   &SessionMetrics{},
	}
}

func (s *Session) Metrics() *SessionMetrics {
	return s.metrics
}

func (s *Session) InTransaction() bool {
	return s.inTransaction
}

// Run answers every line from r until it is exhausted. Anything still batched
// when the input ends was never acknowledged, so it is left for rsyslog to resend.
func (s *Session) Run(ctx context.Context, r input.LineReader) error {
	s.log.Info("Starting...")

	if err := s.ack.Ready(); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := r.ReadLine()
		if errors.Is(err, io.EOF) {
			s.logSummary()
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		status := s.Dispatch(ctx, line)
		if err := s.ack.Send(status); err != nil {
			return err
		}
		if s.ack.Enabled() {
			s.metrics.IncAck(status)
		}
	}
}

// Dispatch handles a single input line and returns the acknowledgement for it.
func (s *Session) Dispatch(ctx context.Context, line string) string {
	switch line {
	case BeginTransactionMark:
		s.metrics.IncLinesBegin()
		s.inTransaction = true
		return AckOK
	case CommitTransactionMark:
		s.metrics.IncLinesCommit()
		s.inTransaction = false
		return s.flush(ctx)
	}

	if size := len(strings.TrimSuffix(line, "\n")); s.config.MaxLineSize > 0 && size > s.config.MaxLineSize {
		s.log.Warnf("Invalid line: %d bytes exceeds limit of %d", size, s.config.MaxLineSize)
		return s.invalid()
	}

	timestamp, labels, message, ok := parseRecord(line)
	if !ok {
		// Sending it again would not make it parse.
		s.log.Warnf("Invalid line: %q", line)
		return s.invalid()
	}

	s.metrics.IncLinesRecord()
	s.processor.AddEntry(labels, logging.Record{Timestamp: timestamp, Message: message})

	if s.inTransaction {
		return AckDeferCommit
	}
	return s.flush(ctx)
}

func (s *Session) invalid() string {
	s.metrics.IncLinesInvalid()
	if s.inTransaction {
		return AckDeferCommit
	}
	return AckOK
}

func (s *Session) flush(ctx context.Context) string {
	res := s.processor.Flush(ctx)
	if res.Entries == 0 {
		return res.Status
	}

	switch res.Outcome {
	case logging.OutcomeSuccess:
		s.metrics.AddPushSucceeded(res.Entries)
	case logging.OutcomeRejected:
		s.metrics.AddPushRejected(res.Entries)
	default:
		s.metrics.IncPushFailed()
	}
	return res.Status
}

func (s *Session) logSummary() {
	m := s.metrics.GetMetricsStamp()
	s.log.Infof(
		"End of input: lines begin/commit/record/invalid=%d/%d/%d/%d, pushes ok/rejected/failed=%d/%d/%d, entries pushed=%d dropped=%d, unacknowledged=%d",
		m.LinesBegin, m.LinesCommit, m.LinesRecord, m.LinesInvalid,
		m.PushesSucceeded, m.PushesRejected, m.PushesFailed,
		m.EntriesPushed, m.EntriesDropped,
		s.processor.Pending(),
	)
}
