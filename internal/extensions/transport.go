package extensions

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Framing modes for the stdio wire.
const (
	FramingLine = "line" // one JSON-RPC message per newline
	FramingLSP  = "lsp"  // Content-Length header framing
)

const defaultCallTimeout = 30 * time.Second

// ErrCallTimeout marks a request that the server never answered.
var ErrCallTimeout = errors.New("request timeout")

// ErrClosed marks calls made after the transport shut down.
var ErrClosed = errors.New("transport closed")

// transport speaks JSON-RPC 2.0 over a stdin/stdout pair. Writes are
// framed per the configured mode; the reader accepts both framings in
// the same stream, falling back to line mode when no Content-Length
// header is present.
type transport struct {
	framing string
	log     *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser
	reader  *bufio.Reader

	pendingMu sync.Mutex
	pending   map[int64]chan *rpcResponse
	nextID    atomic.Int64

	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newTransport(stdin io.WriteCloser, stdout io.Reader, framing string, log *slog.Logger) *transport {
	if framing == "" {
		framing = FramingLine
	}
	t := &transport{
		framing: framing,
		log:     log,
		stdin:   stdin,
		reader:  bufio.NewReaderSize(stdout, 1024*1024),
		pending: make(map[int64]chan *rpcResponse),
		done:    make(chan struct{}),
	}
	t.connected.Store(true)
	return t
}

func (t *transport) Connected() bool { return t.connected.Load() }

// Close shuts the write side and releases all pending callers.
func (t *transport) Close() {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.done)
		t.stdin.Close()
	})
}

// Call sends a request and blocks for the matching response.
func (t *transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrClosed
	}

	id := t.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: &id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}

	respCh := make(chan *rpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	payload, _ := json.Marshal(req)
	if err := t.send(payload); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("server error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(defaultCallTimeout):
		return nil, fmt.Errorf("%s: %w after %v", method, ErrCallTimeout, defaultCallTimeout)
	case <-t.done:
		return nil, ErrClosed
	}
}

// Notify sends a request without an id; no response is expected.
func (t *transport) Notify(method string, params any) error {
	if !t.connected.Load() {
		return ErrClosed
	}
	req := rpcRequest{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	payload, _ := json.Marshal(req)
	return t.send(payload)
}

func (t *transport) send(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.framing == FramingLSP {
		if _, err := fmt.Fprintf(t.stdin, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
			return err
		}
		_, err := t.stdin.Write(payload)
		return err
	}
	_, err := t.stdin.Write(append(payload, '\n'))
	return err
}

// readLoop drains stdout until EOF or Close.
func (t *transport) readLoop() {
	defer t.connected.Store(false)
	for {
		payload, err := t.readMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				if !errors.Is(err, io.EOF) {
					t.log.Warn("extensions.read_failed", "error", err)
				}
			}
			return
		}
		if len(strings.TrimSpace(string(payload))) == 0 {
			continue
		}
		t.dispatch(payload)
	}
}

// readMessage reads one framed message. A line starting with a
// Content-Length header switches to length-prefixed parsing for that
// message only.
func (t *transport) readMessage() ([]byte, error) {
	line, err := t.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && strings.TrimSpace(line) != "" {
			return []byte(strings.TrimSpace(line)), nil
		}
		return nil, err
	}
	trimmed := strings.TrimSpace(line)

	size, ok := parseContentLength(trimmed)
	if !ok {
		return []byte(trimmed), nil
	}

	// Consume remaining headers up to the blank separator line.
	for {
		header, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read headers: %w", err)
		}
		header = strings.TrimSpace(header)
		if header == "" {
			break
		}
		if n, ok := parseContentLength(header); ok {
			size = n
		}
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func parseContentLength(line string) (int, bool) {
	const prefix = "content-length:"
	if !strings.HasPrefix(strings.ToLower(line), prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[len(prefix):]))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (t *transport) dispatch(payload []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.log.Warn("extensions.bad_message", "error", err)
		return
	}
	if resp.ID == nil {
		// Server-initiated notification; the protocol surface here is
		// request/response only.
		return
	}

	var id int64
	switch v := resp.ID.(type) {
	case float64:
		id = int64(v)
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			t.log.Warn("extensions.bad_response_id", "id", v)
			return
		}
		id = parsed
	default:
		t.log.Warn("extensions.bad_response_id", "id", resp.ID)
		return
	}

	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
	if ok {
		select {
		case ch <- &resp:
		default:
		}
	}
}
