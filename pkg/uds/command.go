package uds

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"venuelink/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// HandlerFunc builds the reply for one command. The returned value is
// JSON-encoded onto the wire.
type HandlerFunc func() (any, error)

// CommandServer answers newline-delimited text commands on a unix
// socket, one JSON document per line. Handlers are registered before
// Start; lookup is case-insensitive.
type CommandServer struct {
	srv      *Server
	handlers map[string]HandlerFunc

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewCommandServer creates a command server on the given socket path.
func NewCommandServer(path string) (*CommandServer, error) {
	srv, err := NewServer(path)
	if err != nil {
		return nil, err
	}
	return &CommandServer{
		srv:      srv,
		handlers: make(map[string]HandlerFunc),
		done:     make(chan struct{}),
	}, nil
}

// Handle registers fn under name. Not safe to call after Start.
func (c *CommandServer) Handle(name string, fn HandlerFunc) {
	c.handlers[strings.ToLower(strings.TrimSpace(name))] = fn
}

// Path returns the socket path.
func (c *CommandServer) Path() string {
	if c == nil {
		return ""
	}
	return c.srv.Path()
}

// Start begins listening and serving connections.
func (c *CommandServer) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyListening
	}
	if err := c.srv.Listen(); err != nil {
		c.started.Store(false)
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go func() {
		<-runCtx.Done()
		_ = c.srv.Close()
	}()
	go c.acceptLoop(runCtx)
	return nil
}

// Close stops the listener and waits for open connections to drain.
func (c *CommandServer) Close() {
	if !c.started.Load() {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	c.wg.Wait()
}

func (c *CommandServer) acceptLoop(ctx context.Context) {
	defer close(c.done)
	for {
		conn, err := c.srv.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logs.Warnf("uds: accept failed: %+v", err)
			continue
		}
		c.wg.Add(1)
		go func(cn *net.UnixConn) {
			defer c.wg.Done()
			c.serve(ctx, cn)
		}(conn)
	}
}

func (c *CommandServer) serve(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-finished:
		}
	}()

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		cmd := strings.ToLower(strings.TrimSpace(sc.Text()))
		if cmd == "" {
			continue
		}
		if err := c.reply(conn, cmd); err != nil {
			return
		}
	}
}

type commandError struct {
	Error string `json:"error"`
}

func (c *CommandServer) reply(conn *net.UnixConn, cmd string) error {
	fn, ok := c.handlers[cmd]
	if !ok {
		return writeLine(conn, commandError{Error: exception.ErrUnknownCommandUDS.Error() + ": " + cmd})
	}
	v, err := fn()
	if err != nil {
		return writeLine(conn, commandError{Error: err.Error()})
	}
	return writeLine(conn, v)
}

func writeLine(conn *net.UnixConn, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		logs.Warnf("uds: encode reply failed: %+v", err)
		data = []byte(`{"error":"encode failed"}`)
	}
	return writeFull(conn, append(data, '\n'))
}

func writeFull(conn *net.UnixConn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
