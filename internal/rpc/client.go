package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Client is a thin synchronous RPC client over a Unix domain socket,
// used by the mabctl CLI.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
	nextID uint64
}

// Dial connects to the daemon's RPC socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call issues method with params and decodes the result into out (if
// non-nil). Returns the server's *RPCError on an error response.
func (c *Client) Call(method string, params any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := atomic.AddUint64(&c.nextID, 1)
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
		raw = encoded
	}

	req := Request{ID: fmt.Sprintf("%d", id), Method: method, Params: raw}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	if err := writeFrame(c.conn, payload); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}

	respPayload, err := readFrame(c.reader)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	raw, err = json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("re-encoding result: %w", err)
	}
	return json.Unmarshal(raw, out)
}
