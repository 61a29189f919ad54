package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"token-proxy-go/internal/model"
)

// copyBufferSize bounds the memory used while relaying a body.
const copyBufferSize = 32 * 1024

var (
	// ErrTransportWrite wraps any failure writing to the client.
	ErrTransportWrite = errors.New("transport write failed")
	// ErrBodyRead wraps a failure reading the body source mid-relay.
	ErrBodyRead = errors.New("reading response body")
	// ErrBodyLengthMismatch means the body ended before its declared Content-Length.
	ErrBodyLengthMismatch = errors.New("body shorter than content-length")
)

// StatusLine returns "<code> <reason>" for code.
func StatusLine(code int) string {
	reason := http.StatusText(code)
	if reason == "" {
		reason = "Status " + strconv.Itoa(code)
	}
	return strconv.Itoa(code) + " " + reason
}

// WriteResponse writes the status line, headers in insertion order, and the
// body. With a Content-Length header exactly that many body bytes are sent;
// otherwise the body is copied until EOF.
func WriteResponse(w io.Writer, resp *model.Response) error {
	bw := bufio.NewWriterSize(w, copyBufferSize)

	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %s\r\n", StatusLine(resp.StatusCode)); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportWrite, err)
	}
	if err := writeHeader(bw, &resp.Header); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportWrite, err)
	}

	if resp.Body == nil {
		return nil
	}

	buf := make([]byte, copyBufferSize)
	if raw, ok := resp.Header.Get("Content-Length"); ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && n >= 0 {
			return copyExactly(w, resp.Body, n, buf)
		}
	}

	_, err := relay(w, resp.Body, buf)
	return err
}

// WriteRequest serializes req in the inbound wire format. A non-empty body
// gets a Content-Length header if req does not already carry one.
func WriteRequest(w io.Writer, req *model.Request) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", req.Method, req.Path); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportWrite, err)
	}

	header := req.Header.Clone()
	if _, ok := header.Get("Content-Length"); !ok && len(req.Body) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(req.Body)))
	}
	if err := writeHeader(bw, &header); err != nil {
		return err
	}
	if _, err := bw.Write(req.Body); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportWrite, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportWrite, err)
	}
	return nil
}

func writeHeader(bw *bufio.Writer, h *model.Header) error {
	var err error
	h.Each(func(name, value string) {
		if err == nil {
			_, err = fmt.Fprintf(bw, "%s: %s\r\n", name, value)
		}
	})
	if err == nil {
		_, err = bw.WriteString("\r\n")
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportWrite, err)
	}
	return nil
}

func copyExactly(w io.Writer, body io.Reader, n int64, buf []byte) error {
	written, err := relay(w, io.LimitReader(body, n), buf)
	if err != nil {
		return err
	}
	if written < n {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrBodyLengthMismatch, written, n)
	}
	return nil
}

// relay copies src to w through buf and reports which side failed.
func relay(w io.Writer, src io.Reader, buf []byte) (int64, error) {
	dst := &recordingWriter{w: w}
	n, err := io.CopyBuffer(dst, onlyReader{src}, buf)
	switch {
	case dst.err != nil:
		return n, fmt.Errorf("%w: %w", ErrTransportWrite, dst.err)
	case err != nil:
		return n, fmt.Errorf("%w: %w", ErrBodyRead, err)
	}
	return n, nil
}

// onlyReader and recordingWriter hide WriterTo/ReaderFrom so every copy
// goes through the bounded buffer.
type onlyReader struct {
	io.Reader
}

type recordingWriter struct {
	w   io.Writer
	err error
}

func (r *recordingWriter) Write(p []byte) (int, error) {
	n, err := r.w.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		r.err = err
	}
	return n, err
}
