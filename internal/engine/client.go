package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// PingCommand is the no-op command every engine answers once its command
// interface is up.
const PingCommand = "ping"

// maxResponseBytes bounds a single response line. Render data payloads are
// paths and small metadata, never pixels.
const maxResponseBytes = 1 << 20

// request is the wire form of a command.
type request struct {
	Command string `json:"command"`
}

// Client speaks the engine's line-JSON protocol over TCP. Each call opens
// its own connection; the engine treats connections as independent and the
// per-call dial keeps a wedged connection from poisoning later commands.
type Client struct {
	addr string
}

// NewClient returns a client for an engine listening on the local port.
func NewClient(port int) *Client {
	return &Client{addr: net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}
}

// Execute sends one command and reads one response. Deadlines come from ctx.
func (c *Client) Execute(ctx context.Context, command string) (*Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("engine: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("engine: set deadline: %w", err)
		}
	}

	payload, err := json.Marshal(request{Command: command})
	if err != nil {
		return nil, fmt.Errorf("engine: encode command: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("engine: write command: %w", err)
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := readLine(reader)
	if err != nil {
		return nil, fmt.Errorf("engine: read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("engine: decode response: %w", err)
	}
	return &resp, nil
}

// Ping sends the ping command and checks for a successful response.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Execute(ctx, PingCommand)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("engine: ping rejected: %s", resp.Error)
	}
	return nil
}

// readLine reads one newline-terminated response, enforcing the size bound.
func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxResponseBytes {
			return nil, fmt.Errorf("response exceeds %d bytes", maxResponseBytes)
		}
		if !isPrefix {
			return buf, nil
		}
	}
}
