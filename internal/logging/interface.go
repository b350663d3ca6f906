package logging

import (
	"context"
	"fmt"
	"strings"
)

// Record is one parsed data line. Timestamp is forwarded verbatim.
type Record struct {
	Timestamp string
	Message   string
}

// Stream is every record of one label set, in arrival order.
type Stream struct {
	Labels  string
	Records []Record
}

type LogSender interface {
	SendBatch(ctx context.Context, streams []Stream) error
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeRejected means the backend refused the request with a 4xx. Resending it would fail the same way.
	OutcomeRejected
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// PushError is returned by a LogSender when Loki answered with a non-2xx status.
type PushError struct {
	StatusCode int
	Body       string
}

func (e *PushError) Error() string {
	return fmt.Sprintf("Loki error: code %d: %s", e.StatusCode, OneLine(e.Body))
}

func (e *PushError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode <= 499
}

// OneLine collapses line breaks so the text fits on a single acknowledgement line.
func OneLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}
