// Package stream decodes the line-delimited "data: " event stream returned by
// OpenAI-compatible chat completion endpoints into text deltas.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"roomchat/internal/metrics"
)

const (
	dataPrefix  = "data: "
	doneFrame   = "data: [DONE]"
	readBufSize = 4096
)

type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Decoder pulls deltas from an event stream body. Bytes are consumed only when
// Next needs another line, and a line is decoded only once its terminating
// newline arrived, so frames split across network reads are reassembled.
//
// The body passes through a UTF-8 decoder that drops a leading byte order
// mark, which would otherwise hide the "data: " prefix of the first frame,
// and replaces invalid bytes with U+FFFD.
//
// A Decoder is not safe for concurrent use. Cancelling its context is the way
// to stop it from another goroutine.
type Decoder struct {
	ctx    context.Context
	body   io.ReadCloser
	src    io.Reader
	buf    []byte
	chunk  []byte
	logger *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	stop      func() bool
}

// NewDecoder wraps body. Cancelling ctx closes body, which unblocks a pending
// read; no delta is returned after that.
func NewDecoder(ctx context.Context, body io.ReadCloser, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Decoder{
		ctx:    ctx,
		body:   body,
		src:    transform.NewReader(body, unicode.UTF8BOM.NewDecoder()),
		chunk:  make([]byte, readBufSize),
		logger: logger,
	}
	d.stop = context.AfterFunc(ctx, func() { d.closeBody() })
	return d
}

// Next returns the next non-empty delta. It returns io.EOF once the stream
// terminated, either by the [DONE] sentinel, by the end of the body or by
// Close. A cancelled context yields ctx.Err().
func (d *Decoder) Next() (string, error) {
	for {
		if err := d.ctx.Err(); err != nil {
			d.Close()
			return "", err
		}
		if d.closed.Load() {
			return "", io.EOF
		}

		if i := bytes.IndexByte(d.buf, '\n'); i >= 0 {
			line := string(d.buf[:i])
			d.buf = d.buf[i+1:]

			delta, done := d.decodeLine(line)
			if done {
				d.Close()
				return "", io.EOF
			}
			if delta != "" {
				metrics.StreamDeltas.Inc()
				return delta, nil
			}
			continue
		}

		n, err := d.src.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
		}
		if err == nil {
			continue
		}
		if ctxErr := d.ctx.Err(); ctxErr != nil {
			d.Close()
			return "", ctxErr
		}
		if d.closed.Load() {
			return "", io.EOF
		}
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(d.buf)) > 0 {
				d.logger.Debug("dropping unterminated stream line", "bytes", len(d.buf))
			}
			d.Close()
			return "", io.EOF
		}
		d.Close()
		return "", fmt.Errorf("read stream: %w", err)
	}
}

// decodeLine returns the delta carried by one line, or done for the sentinel.
func (d *Decoder) decodeLine(raw string) (delta string, done bool) {
	line := strings.TrimSpace(raw)
	if line == doneFrame {
		return "", true
	}
	payload, ok := strings.CutPrefix(line, dataPrefix)
	if !ok {
		return "", false
	}

	var c chunk
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		metrics.MalformedFrames.Inc()
		d.logger.Debug("skipping malformed stream frame", "err", err, "frame", payload)
		return "", false
	}
	if len(c.Choices) == 0 {
		return "", false
	}
	return c.Choices[0].Delta.Content, false
}

// Deltas adapts Next to a range-over-func sequence. Breaking out of the loop
// closes the body. A terminal error other than io.EOF is yielded once.
func (d *Decoder) Deltas() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer d.Close()
		for {
			delta, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}

// ReadAll concatenates every remaining delta.
func (d *Decoder) ReadAll() (string, error) {
	var sb strings.Builder
	for delta, err := range d.Deltas() {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(delta)
	}
	return sb.String(), nil
}

// Close releases the body. It is idempotent.
func (d *Decoder) Close() error {
	d.stop()
	return d.closeBody()
}

func (d *Decoder) closeBody() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		err = d.body.Close()
	})
	return err
}
