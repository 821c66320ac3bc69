// Package transport opens upstream byte streams for the stream engine.
package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	jsoniter "github.com/json-iterator/go"

	"github.com/ent0n29/chatstream/internal/reliability"
	"github.com/ent0n29/chatstream/internal/sse"
	"github.com/ent0n29/chatstream/internal/stream"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBufferedBody = 4 << 20

// StatusError is returned for a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream http status %d", e.Code)
	}
	return fmt.Sprintf("upstream http status %d: %s", e.Code, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Code }

// EncodingError is returned when the response body cannot be decoded. The
// bytes are unusable, so the stream fails as malformed and is not retried.
type EncodingError struct {
	Encoding string
	Err      error
}

func (e *EncodingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s response: %v", e.Encoding, e.Err)
	}
	return fmt.Sprintf("unsupported content encoding %q", e.Encoding)
}

func (e *EncodingError) Unwrap() error { return e.Err }

func (*EncodingError) ErrorKind() (reliability.Kind, bool) {
	return reliability.KindMalformed, false
}

// HTTP posts the request payload as JSON and returns the response body.
// Non-streaming JSON or text responses are re-framed as a single SSE frame so
// the engine sees one dialect.
type HTTP struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTP builds a transport for url. headerTimeout bounds the wait for
// response headers only; the body may stream for as long as the engine allows.
func NewHTTP(url, apiKey string, headerTimeout time.Duration) *HTTP {
	if headerTimeout <= 0 {
		headerTimeout = 60 * time.Second
	}
	return &HTTP{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: headerTimeout,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       120 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
	}
}

func (t *HTTP) Open(ctx context.Context, req stream.Request) (io.ReadCloser, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")
	httpReq.Header.Set("Accept-Encoding", "br, gzip")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	res, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	raw, err := decodedBody(res)
	if err != nil {
		res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return nil, &StatusError{Code: res.StatusCode}
		}
		return nil, err
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer raw.Close()
		body, _ := io.ReadAll(io.LimitReader(raw, 4<<10))
		return nil, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return raw, nil
	}

	defer raw.Close()
	body, err := io.ReadAll(io.LimitReader(raw, maxBufferedBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return io.NopCloser(bytes.NewReader(singleFrame(body))), nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// decodedBody undoes the response Content-Encoding. Asking for encodings
// explicitly turns off the transparent gzip of net/http, so gzip is handled
// here as well.
func decodedBody(res *http.Response) (io.ReadCloser, error) {
	switch enc := strings.ToLower(strings.TrimSpace(res.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
		return res.Body, nil
	case "br":
		return readCloser{Reader: brotli.NewReader(res.Body), Closer: res.Body}, nil
	case "gzip":
		zr, err := gzip.NewReader(res.Body)
		if err != nil {
			return nil, &EncodingError{Encoding: enc, Err: err}
		}
		return readCloser{Reader: zr, Closer: res.Body}, nil
	default:
		return nil, &EncodingError{Encoding: enc}
	}
}

// singleFrame wraps a buffered response as one SSE frame followed by the
// sentinel. JSON is re-encoded onto one line; anything else becomes content.
func singleFrame(body []byte) []byte {
	var out bytes.Buffer
	if text := strings.TrimSpace(string(body)); text != "" {
		out.WriteString("data: ")
		out.Write(compactLine(text))
		out.WriteString("\n\n")
	}
	out.WriteString("data: " + sse.DoneSentinel + "\n\n")
	return out.Bytes()
}

func compactLine(text string) []byte {
	var obj any
	if err := json.UnmarshalFromString(text, &obj); err == nil {
		if line, err := json.Marshal(obj); err == nil {
			return line
		}
	}
	line, _ := json.Marshal(map[string]string{"content": text})
	return line
}
