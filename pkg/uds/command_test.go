package uds

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func startCommandServer(t *testing.T) (*CommandServer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ops.sock")
	srv, err := NewCommandServer(path)
	if err != nil {
		t.Fatalf("new command server: %v", err)
	}
	srv.Handle("metrics", func() (any, error) {
		return map[string]uint64{"updates": 42}, nil
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv, path
}

func dialCommand(t *testing.T, path string) (*net.UnixConn, *bufio.Reader) {
	t.Helper()
	client, err := NewClient(path)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := client.DialWait(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func query(t *testing.T, conn *net.UnixConn, rd *bufio.Reader, cmd string) string {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		t.Fatalf("write %q: %v", cmd, err)
	}
	line, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply for %q: %v", cmd, err)
	}
	return strings.TrimSuffix(line, "\n")
}

func TestCommandServerRoundTrip(t *testing.T) {
	_, path := startCommandServer(t)
	conn, rd := dialCommand(t, path)

	reply := query(t, conn, rd, "metrics")
	var got map[string]uint64
	if err := sonic.Unmarshal([]byte(reply), &got); err != nil {
		t.Fatalf("decode %q: %v", reply, err)
	}
	if got["updates"] != 42 {
		t.Fatalf("updates = %d, want 42", got["updates"])
	}

	// Case and surrounding whitespace must not matter.
	reply = query(t, conn, rd, "  METRICS  ")
	if !strings.Contains(reply, `"updates":42`) {
		t.Fatalf("case-insensitive reply = %q", reply)
	}
}

func TestCommandServerUnknownCommand(t *testing.T) {
	_, path := startCommandServer(t)
	conn, rd := dialCommand(t, path)

	reply := query(t, conn, rd, "bogus")
	var got commandError
	if err := sonic.Unmarshal([]byte(reply), &got); err != nil {
		t.Fatalf("decode %q: %v", reply, err)
	}
	if !strings.Contains(got.Error, "unknown command") || !strings.Contains(got.Error, "bogus") {
		t.Fatalf("error = %q", got.Error)
	}

	// The connection survives an unknown command.
	reply = query(t, conn, rd, "metrics")
	if !strings.Contains(reply, `"updates":42`) {
		t.Fatalf("reply after error = %q", reply)
	}
}

func TestCommandServerHandlerError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.sock")
	srv, err := NewCommandServer(path)
	if err != nil {
		t.Fatalf("new command server: %v", err)
	}
	srv.Handle("broken", func() (any, error) {
		return nil, os.ErrDeadlineExceeded
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Close)
	conn, rd := dialCommand(t, path)

	reply := query(t, conn, rd, "broken")
	var got commandError
	if err := sonic.Unmarshal([]byte(reply), &got); err != nil {
		t.Fatalf("decode %q: %v", reply, err)
	}
	if got.Error == "" {
		t.Fatal("handler error should reach the client")
	}
}

func TestCommandServerStartTwice(t *testing.T) {
	srv, _ := startCommandServer(t)
	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("second start should fail")
	}
}

func TestCommandServerCloseUnblocksClients(t *testing.T) {
	srv, path := startCommandServer(t)
	conn, rd := dialCommand(t, path)
	_ = query(t, conn, rd, "metrics")

	closed := make(chan struct{})
	go func() {
		srv.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not finish with a client attached")
	}
}

func TestServerRejectsNonSocketPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plainfile")
	if err := os.WriteFile(path, []byte("not a socket"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	srv, err := NewServer(path)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Listen(); err != ErrPathNotSocket {
		t.Fatalf("listen over a regular file = %v, want ErrPathNotSocket", err)
	}
}

func TestServerReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")

	first, err := NewServer(path)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := first.Listen(); err != nil {
		t.Fatalf("first listen: %v", err)
	}
	// Simulate a crash that left the socket file behind.
	first.ln.SetUnlinkOnClose(false)
	if err := first.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if _, err := os.Lstat(path); err != nil {
		t.Fatalf("stale socket should remain: %v", err)
	}

	second, err := NewServer(path)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := second.Listen(); err != nil {
		t.Fatalf("listen over stale socket: %v", err)
	}
	defer second.Close()
}
