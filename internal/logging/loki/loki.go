package loki

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"

	"github.com/candlerb/rsyslog-omprog-loki/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxErrorBody bounds how much of a Loki error response ends up in logs and acknowledgements.
const maxErrorBody = 4096

type Options struct {
	Timeout            time.Duration
	TenantID           string
	Username           string
	Password           string
	BearerToken        string
	InsecureSkipVerify bool
	Gzip               bool
}

type Sender struct {
	pushURL    string
	httpClient *http.Client
	opts       Options
}

// Entry is the legacy push form {"ts": ..., "line": ...}.
type Entry struct {
	Timestamp string `json:"ts"`
	Line      string `json:"line"`
}

type Stream struct {
	Labels  string  `json:"labels"`
	Entries []Entry `json:"entries"`
}

type Payload struct {
	Streams []Stream `json:"streams"`
}

func NewLokiSender(pushURL string, opts Options) *Sender {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Sender{
		pushURL: pushURL,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts: opts,
	}
}

// SendBatch makes a single push attempt. A non-2xx answer is returned as *logging.PushError.
func (ls *Sender) SendBatch(ctx context.Context, streams []logging.Stream) error {
	if len(streams) == 0 {
		return nil
	}

	body, err := json.Marshal(ls.createPayload(streams))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if ls.opts.Gzip {
		body, err = compress(body)
		if err != nil {
			return fmt.Errorf("failed to compress payload: %w", err)
		}
	}

	return ls.sendRequest(ctx, body)
}

func (ls *Sender) createPayload(streams []logging.Stream) Payload {
	payload := Payload{
		Streams: make([]Stream, 0, len(streams)),
	}

	for _, s := range streams {
		stream := Stream{
			Labels:  s.Labels,
			Entries: make([]Entry, 0, len(s.Records)),
		}
		for _, record := range s.Records {
			stream.Entries = append(stream.Entries, Entry{Timestamp: record.Timestamp, Line: record.Message})
		}
		payload.Streams = append(payload.Streams, stream)
	}

	return payload
}

func (ls *Sender) sendRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ls.pushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if ls.opts.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if ls.opts.TenantID != "" {
		req.Header.Set("X-Scope-OrgID", ls.opts.TenantID)
	}
	switch {
	case ls.opts.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+ls.opts.BearerToken)
	case ls.opts.Username != "":
		req.SetBasicAuth(ls.opts.Username, ls.opts.Password)
	}

	resp, err := ls.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &logging.PushError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(responseBody))}
	}

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
