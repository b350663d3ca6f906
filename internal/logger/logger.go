// Package logger sets up the diagnostic log. Standard output belongs to the
// acknowledgement protocol, so diagnostics go to stderr or to a file.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Level  string
	Format string
	// File, if set, receives the log instead of stderr. It is rotated daily
	// and File itself is kept as a link to the current one.
	File   string
	MaxAge time.Duration
}

// New returns the configured logger and a function closing its output.
func New(opts Options) (*logrus.Logger, func() error, error) {
	logger := logrus.New()

	if opts.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			DisableColors: true,
			FullTimestamp: true,
		})
	}

	level := opts.Level
	if level == "" {
		level = "info"
	}
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	logger.SetLevel(logLevel)

	var output io.Writer = os.Stderr
	closer := func() error { return nil }
	if opts.File != "" {
		maxAge := opts.MaxAge
		if maxAge <= 0 {
			maxAge = 7 * 24 * time.Hour
		}
		rl, err := rotatelogs.New(
			opts.File+".%Y%m%d",
			rotatelogs.WithLinkName(opts.File),
			rotatelogs.WithRotationTime(24*time.Hour),
			rotatelogs.WithMaxAge(maxAge),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open debug file %s: %w", opts.File, err)
		}
		output = rl
		closer = rl.Close
	}

	logger.SetOutput(output)
	// anything written through the standard library logger must not reach stdout either
	log.SetOutput(logger.Writer())

	return logger, closer, nil
}
