// Package model defines shared types for the proxy.
package model

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Method is one of the request methods the proxy accepts.
type Method string

const (
	MethodGet  Method = http.MethodGet
	MethodPost Method = http.MethodPost
	MethodPut  Method = http.MethodPut
)

// ParseMethod returns the Method for s. Matching is case-sensitive.
func ParseMethod(s string) (Method, bool) {
	switch Method(s) {
	case MethodGet, MethodPost, MethodPut:
		return Method(s), true
	}
	return "", false
}

// Request is an inbound client request read off the wire.
type Request struct {
	Method Method
	Path   string
	Header Header
	Body   []byte
}

// Response is written back to the client. Body is read once, until EOF.
type Response struct {
	StatusCode int
	Header     Header
	Body       io.ReadCloser
}

// NewTextResponse builds a response with a fully known body.
func NewTextResponse(status int, text string) *Response {
	resp := &Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(text))),
	}
	resp.Header.Set("Content-Type", "text/html")
	resp.Header.Set("Content-Length", strconv.Itoa(len(text)))
	return resp
}

// Token is a bearer credential and the instant it stops being usable.
type Token struct {
	AccessToken string
	ValidUntil  time.Time
}

// Fresh reports whether the token is still valid at now.
func (t Token) Fresh(now time.Time) bool {
	return now.Before(t.ValidUntil)
}
