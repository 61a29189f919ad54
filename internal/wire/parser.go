// Package wire reads requests from and writes responses to a raw connection
// using the proxy's restricted HTTP/1.1 framing.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"token-proxy-go/internal/model"
)

// Parse errors. The connection is dropped without a response when any of
// these is returned.
var (
	ErrMalformedStartLine   = errors.New("malformed start line")
	ErrUnsupportedMethod    = errors.New("unsupported method")
	ErrMissingPath          = errors.New("missing request path")
	ErrMalformedHeader      = errors.New("malformed header")
	ErrInvalidContentLength = errors.New("invalid content-length")
	ErrTruncatedBody        = errors.New("truncated body")
	ErrBodyTooLarge         = errors.New("body exceeds limit")
)

// errLineTooLong reports that a line overran the remaining header budget.
var errLineTooLong = errors.New("line exceeds header budget")

// Parser limits. Zero means unlimited.
type Parser struct {
	MaxHeaderBytes int
	MaxBodyBytes   int64
}

// ParseRequest parses with no size limits.
func ParseRequest(r *bufio.Reader) (*model.Request, error) {
	var p Parser
	return p.Parse(r)
}

// Parse reads one request: start line, header block, then exactly
// Content-Length body bytes. The start line and header block share the
// MaxHeaderBytes budget, which is enforced while bytes arrive. Nothing past
// the body is consumed from r beyond what r itself has buffered.
func (p *Parser) Parse(r *bufio.Reader) (*model.Request, error) {
	req := &model.Request{}
	budget := &lineBudget{limited: p.MaxHeaderBytes > 0, remaining: p.MaxHeaderBytes}
	if err := p.readStartLine(r, req, budget); err != nil {
		return nil, err
	}
	if err := p.readHeaders(r, req, budget); err != nil {
		return nil, err
	}
	if err := p.readBody(r, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (p *Parser) readStartLine(r *bufio.Reader, req *model.Request, budget *lineBudget) error {
	line, err := readLine(r, budget)
	if errors.Is(err, errLineTooLong) {
		return fmt.Errorf("%w: start line exceeds %d bytes", ErrMalformedStartLine, p.MaxHeaderBytes)
	}
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return fmt.Errorf("%w: %w", ErrMalformedStartLine, err)
	}

	parts := strings.Fields(line)
	if len(parts) == 0 {
		return fmt.Errorf("%w: empty line", ErrMalformedStartLine)
	}

	method, ok := model.ParseMethod(parts[0])
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, parts[0])
	}
	if len(parts) < 2 {
		return ErrMissingPath
	}

	req.Method = method
	req.Path = parts[1]
	return nil
}

func (p *Parser) readHeaders(r *bufio.Reader, req *model.Request, budget *lineBudget) error {
	for {
		line, err := readLine(r, budget)
		if errors.Is(err, errLineTooLong) {
			return fmt.Errorf("%w: header block exceeds %d bytes", ErrMalformedHeader, p.MaxHeaderBytes)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %w", ErrMalformedHeader, err)
		}
		if line == "" || line == "\n" || line == "\r\n" {
			return nil
		}

		name, value, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: %q", ErrMalformedHeader, strings.TrimRight(line, "\r\n"))
		}
		req.Header.Set(name, strings.TrimSpace(value))

		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

func (p *Parser) readBody(r *bufio.Reader, req *model.Request) error {
	raw, ok := req.Header.Get("Content-Length")
	if !ok {
		return nil
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("%w: %q", ErrInvalidContentLength, raw)
	}
	if p.MaxBodyBytes > 0 && n > p.MaxBodyBytes {
		return fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, n, p.MaxBodyBytes)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("%w: %w", ErrTruncatedBody, err)
	}
	req.Body = body
	return nil
}

// lineBudget tracks the bytes left for the start line and header block.
type lineBudget struct {
	limited   bool
	remaining int
}

// readLine reads through the next '\n', or to EOF, charging each fragment
// to b as it arrives, so an oversized line is rejected after at most one
// buffer past the limit.
func readLine(r *bufio.Reader, b *lineBudget) (string, error) {
	var line []byte
	for {
		frag, err := r.ReadSlice('\n')
		line = append(line, frag...)
		if b.limited {
			b.remaining -= len(frag)
			if b.remaining < 0 {
				return "", errLineTooLong
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return string(line), err
	}
}
