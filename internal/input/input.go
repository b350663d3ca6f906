// Package input supplies the lines rsyslog's omprog writes to the helper.
package input

import (
	"bufio"
	"fmt"
	"io"

	"github.com/hpcloud/tail"
)

// LineReader returns one line at a time, including its trailing newline.
// The last line of the input may lack it. io.EOF marks the end.
type LineReader interface {
	ReadLine() (string, error)
}

type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadLine has no length limit, so a long log line never splits.
func (r *Reader) ReadLine() (string, error) {
	line, err := r.r.ReadString('\n')
	if err == io.EOF && line != "" {
		return line, nil
	}
	return line, err
}

// FileReader follows a file with hpcloud/tail. Used to replay a captured
// omprog session from a file or FIFO instead of stdin.
type FileReader struct {
	t *tail.Tail
}

func TailFile(path string, follow bool) (*FileReader, error) {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		Poll:      follow,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open input %s: %w", path, err)
	}
	return &FileReader{t: t}, nil
}

func (f *FileReader) ReadLine() (string, error) {
	line, ok := <-f.t.Lines
	if !ok {
		if err := f.t.Wait(); err != nil {
			return "", fmt.Errorf("error reading from %s: %w", f.t.Filename, err)
		}
		return "", io.EOF
	}
	if line.Err != nil {
		return "", fmt.Errorf("error reading from %s: %w", f.t.Filename, line.Err)
	}
	// tail strips the newline
	return line.Text + "\n", nil
}

func (f *FileReader) Close() error {
	defer f.t.Cleanup()
	return f.t.Stop()
}
