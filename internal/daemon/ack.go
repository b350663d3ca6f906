package daemon

import (
	"bufio"
	"fmt"
	"io"
)

const (
	AckOK          = "OK"
	AckDeferCommit = "DEFER_COMMIT"
)

// Acknowledger writes one status line per input line. rsyslog waits for each
// answer before sending more, so every line is flushed straight away.
type Acknowledger struct {
	w       *bufio.Writer
	enabled bool
}

func NewAcknowledger(w io.Writer, enabled bool) *Acknowledger {
	return &Acknowledger{w: bufio.NewWriter(w), enabled: enabled}
}

func (a *Acknowledger) Enabled() bool {
	return a.enabled
}

// Ready tells rsyslog the helper has started.
func (a *Acknowledger) Ready() error {
	return a.Send(AckOK)
}

func (a *Acknowledger) Send(status string) error {
	if !a.enabled {
		return nil
	}
	if _, err := a.w.WriteString(status + "\n"); err != nil {
		return fmt.Errorf("failed to write acknowledgement: %w", err)
	}
	if err := a.w.Flush(); err != nil {
		return fmt.Errorf("failed to write acknowledgement: %w", err)
	}
	return nil
}
