package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/local/ocrpipeline/internal/config"
	"github.com/local/ocrpipeline/internal/errs"
)

// The serving backend drops keep-alive connections under memory
// pressure in ways the stdlib transport's pooling turns into confusing
// mid-stream failures. The client therefore speaks HTTP/1.1 itself over
// a fresh TCP connection per request with Connection: close, and only
// accepts content-length framed responses.
const (
	connectTimeout    = 30 * time.Second
	statusLineTimeout = 60 * time.Second
	headerLineTimeout = 10 * time.Second
	bodyTimeout       = 120 * time.Second

	completionsPath = "/v1/chat/completions"
)

// Client posts chat-completion requests to the serving backend.
type Client struct {
	addr string // host:port
	host string // Host header value
	path string
}

func NewClient(cfg config.InferenceConfig) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse inference url %q: %w", cfg.BaseURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("inference url %q has no host", cfg.BaseURL)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Host, "80")
	}
	return &Client{
		addr: addr,
		host: u.Host,
		path: strings.TrimSuffix(u.Path, "/") + completionsPath,
	}, nil
}

// PostCompletion sends one request over its own connection and returns
// the parsed response. Connection and timeout failures and 429s come
// back transient; malformed framing comes back as validation errors;
// other non-2xx statuses come back as *HTTPError with the body attached.
func (c *Client) PostCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Validation("inference post", fmt.Errorf("encode request: %w", err))
	}

	d := net.Dialer{Timeout: connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, errs.Transient("inference post", fmt.Errorf("connect %s: %w", c.addr, err))
	}
	defer conn.Close()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "POST %s HTTP/1.1\r\n", c.path)
	fmt.Fprintf(&buf, "Host: %s\r\n", c.host)
	buf.WriteString("Content-Type: application/json\r\n")
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(payload))
	buf.WriteString("Connection: close\r\n\r\n")
	buf.Write(payload)

	conn.SetWriteDeadline(time.Now().Add(connectTimeout))
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, errs.Transient("inference post", fmt.Errorf("send request: %w", err))
	}

	r := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(statusLineTimeout))
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return nil, errs.Transient("inference post", fmt.Errorf("read status line: %w", err))
	}
	status, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, errs.Validation("inference post", err)
	}

	contentLength := -1
	for {
		conn.SetReadDeadline(time.Now().Add(headerLineTimeout))
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, errs.Transient("inference post", fmt.Errorf("read header line: %w", err))
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "content-length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, errs.Validationf("inference post", "bad content-length %q", strings.TrimSpace(value))
			}
			contentLength = n
		}
	}
	if contentLength < 0 {
		return nil, errs.Validationf("inference post", "response has no content-length, chunked encoding not supported")
	}

	body := make([]byte, contentLength)
	conn.SetReadDeadline(time.Now().Add(bodyTimeout))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errs.Transient("inference post", fmt.Errorf("read body: %w", err))
	}

	if status < 200 || status > 299 {
		httpErr := &HTTPError{StatusCode: status, Body: body}
		// 429 means the backend is shedding load. It gets the same
		// wait-and-retry treatment as a refused connection instead of
		// spending one of the caller's attempts.
		if status == 429 {
			return nil, errs.Transient("inference post", httpErr)
		}
		return nil, httpErr
	}

	var parsed ChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.Validation("inference post", fmt.Errorf("decode response body: %w", err))
	}
	return &parsed, nil
}

func parseStatusLine(line string) (int, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, fmt.Errorf("malformed status line %q", line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed status code in %q", line)
	}
	return status, nil
}
