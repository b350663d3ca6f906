package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/candlerb/rsyslog-omprog-loki/internal/logging"
)

// Batch groups records by label set. Label sets keep the order in which they
// were first seen, records keep arrival order.
type Batch struct {
	order   []string
	streams map[string][]logging.Record
	size    int
}

func New() *Batch {
	return &Batch{
		streams: make(map[string][]logging.Record),
	}
}

func (b *Batch) Add(labels string, record logging.Record) {
	if _, exists := b.streams[labels]; !exists {
		b.order = append(b.order, labels)
	}
	b.streams[labels] = append(b.streams[labels], record)
	b.size++
}

// Len is the number of records across all label sets.
func (b *Batch) Len() int {
	return b.size
}

func (b *Batch) StreamCount() int {
	return len(b.order)
}

func (b *Batch) Streams() []logging.Stream {
	streams := make([]logging.Stream, 0, len(b.order))
	for _, labels := range b.order {
		records := make([]logging.Record, len(b.streams[labels]))
		copy(records, b.streams[labels])
		streams = append(streams, logging.Stream{Labels: labels, Records: records})
	}
	return streams
}

func (b *Batch) Clear() {
	clear(b.streams)
	b.order = b.order[:0]
	b.size = 0
}

// Processor owns the batch and pushes it through a LogSender.
type Processor struct {
	sender logging.LogSender
	batch  *Batch
	log    logrus.FieldLogger
}

type Result struct {
	Outcome logging.Outcome
	// Status is the acknowledgement text for the feeder: "OK" or an error message.
	Status  string
	Entries int
}

func NewBatchProcessor(sender logging.LogSender, log logrus.FieldLogger) *Processor {
	return &Processor{
		sender: sender,
		batch:  New(),
		log:    log,
	}
}

func (bp *Processor) AddEntry(labels string, record logging.Record) {
	bp.batch.Add(labels, record)
}

func (bp *Processor) Pending() int {
	return bp.batch.Len()
}

// Flush sends the whole batch in one request and clears it whatever the result.
// Retrying a failed push is left to the feeder, which resends its lines.
func (bp *Processor) Flush(ctx context.Context) Result {
	if bp.batch.Len() == 0 {
		return Result{Outcome: logging.OutcomeSuccess, Status: "OK"}
	}

	streams := bp.batch.Streams()
	entries := bp.batch.Len()
	defer bp.batch.Clear()

	err := bp.sender.SendBatch(ctx, streams)
	if err == nil {
		bp.log.Debugf("Sent batch of %d entries in %d streams", entries, len(streams))
		return Result{Outcome: logging.OutcomeSuccess, Status: "OK", Entries: entries}
	}

	var pushErr *logging.PushError
	if errors.As(err, &pushErr) {
		bp.log.WithField("status", pushErr.StatusCode).Error(pushErr.Error())
		if pushErr.IsClientError() {
			// The request itself is bad, sending it again cannot help.
			bp.log.Warnf("Dropping batch of %d entries rejected by Loki", entries)
			return Result{Outcome: logging.OutcomeRejected, Status: "OK", Entries: entries}
		}
		return Result{Outcome: logging.OutcomeFailed, Status: pushErr.Error(), Entries: entries}
	}

	status := fmt.Sprintf("Loki error: %s", logging.OneLine(err.Error()))
	bp.log.Error(status)
	return Result{Outcome: logging.OutcomeFailed, Status: status, Entries: entries}
}
