package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	s, err := NewServer(socketPath, 4, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	return s, socketPath
}

func TestServerDispatchesRegisteredMethod(t *testing.T) {
	s, socketPath := newTestServer(t)
	s.Register("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p map[string]any
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return p, nil
	})

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var out map[string]any
	if err := client.Call("echo", map[string]any{"hello": "world"}, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out["hello"] != "world" {
		t.Errorf("out = %v, want hello=world", out)
	}
}

func TestServerUnknownMethodReturnsMethodNotFound(t *testing.T) {
	_, socketPath := newTestServer(t)
	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	err = client.Call("does.not.exist", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Kind != KindMethodNotFound {
		t.Errorf("kind = %q, want %q", rpcErr.Kind, KindMethodNotFound)
	}
}

func TestServerHandlerErrorIsClassified(t *testing.T) {
	s, socketPath := newTestServer(t)
	s.Register("fail.capacity", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, errors.New("capacity")
	})

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	err = client.Call("fail.capacity", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Kind != KindInternal {
		t.Errorf("kind = %q, want %q (unclassified error falls back to internal)", rpcErr.Kind, KindInternal)
	}
}

func TestDialAgainAfterStaleSocketRemoved(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "stale.sock")
	s1, err := NewServer(socketPath, 1, zerolog.Nop())
	if err != nil {
		t.Fatalf("first NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s1.Serve(ctx)
	cancel()
	s1.Close()

	// Give the listener a moment to release the socket file on this OS.
	time.Sleep(50 * time.Millisecond)

	s2, err := NewServer(socketPath, 1, zerolog.Nop())
	if err != nil {
		t.Fatalf("second NewServer (stale socket should be removed): %v", err)
	}
	s2.Close()
}
