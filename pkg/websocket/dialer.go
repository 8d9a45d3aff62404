package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	errHandshakeFailed = errors.New("websocket: handshake failed")
	errProtocol        = errors.New("websocket: protocol error")
)

const (
	DefaultDialerTimeout   = 10 * time.Second
	DefaultDialerKeepAlive = 30 * time.Second
)

const maxPayloadLen = int(^uint32(0) >> 1)

// NetDialer resolves, connects, and upgrades one TLS WebSocket
// connection per Dial call. OnState observes the handshake phases.
type NetDialer struct {
	Host        string
	Port        string
	Path        string
	Query       string
	TLSConfig   *tls.Config
	DialTimeout time.Duration
	KeepAlive   time.Duration
	Resolver    *net.Resolver
	OnState     func(State)
}

func NewDialer(host string, port string, path string) *NetDialer {
	return &NetDialer{
		Host: host,
		Port: port,
		Path: path,
		TLSConfig: &tls.Config{
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		},
		DialTimeout: DefaultDialerTimeout,
	}
}

func (d *NetDialer) setState(s State) {
	if d.OnState != nil {
		d.OnState(s)
	}
}

func (d *NetDialer) Dial(ctx context.Context) (Conn, error) {
	if d.KeepAlive == 0 {
		d.KeepAlive = DefaultDialerKeepAlive
	}
	if d.TLSConfig == nil {
		d.TLSConfig = &tls.Config{
			ServerName: d.Host,
			MinVersion: tls.VersionTLS12,
		}
	}

	d.setState(StateResolving)
	addr, err := d.resolve(ctx)
	if err != nil {
		return nil, err
	}

	nd := net.Dialer{Timeout: d.DialTimeout, KeepAlive: d.KeepAlive}
	raw, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(d.KeepAlive)
	}

	d.setState(StateTLSHandshake)
	tlsConn := tls.Client(raw, d.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}

	d.setState(StateWSHandshake)
	conn, err := upgrade(ctx, tlsConn, d.Host, d.target())
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}
	return conn, nil
}

func (d *NetDialer) resolve(ctx context.Context) (string, error) {
	r := d.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupHost(ctx, d.Host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", &net.DNSError{Err: "no addresses", Name: d.Host}
	}
	return net.JoinHostPort(addrs[0], d.Port), nil
}

func (d *NetDialer) target() string {
	t := d.Path
	if t == "" {
		t = "/"
	}
	if d.Query != "" {
		t += "?" + d.Query
	}
	return t
}

func upgrade(ctx context.Context, conn net.Conn, host, target string) (*clientConn, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+host+target, nil)
	if err != nil {
		return nil, err
	}
	req.Host = host
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", nonce)
	req.Header.Set("Sec-WebSocket-Version", "13")
	if err := req.Write(conn); err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(conn, 32<<10)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode != http.StatusSwitchingProtocols,
		!headerHasToken(resp.Header.Get("Upgrade"), "websocket"),
		!headerHasToken(resp.Header.Get("Connection"), "upgrade"),
		resp.Header.Get("Sec-WebSocket-Accept") != acceptKey(nonce):
		return nil, errHandshakeFailed
	}
	return &clientConn{conn: conn, reader: br, mask: seedMask()}, nil
}

func newNonce() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

func acceptKey(nonce string) string {
	h := sha1.New()
	io.WriteString(h, nonce)
	io.WriteString(h, "258EAFA5-E914-47DA-95CA-C5AB0DC85B11")
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func headerHasToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// clientConn is the framing layer over one upgraded socket. Reads
// assemble fragmented messages into the caller's buffer; a message
// that does not fit is carried over so the caller can retry with a
// larger buffer.
type clientConn struct {
	conn   net.Conn
	reader *bufio.Reader
	mask   uint32
	mu     sync.Mutex
	carry  *carriedFrame
}

// frameHead is one parsed frame header: fin flag, opcode, mask key,
// and payload length.
type frameHead struct {
	fin    bool
	opcode byte
	masked bool
	key    [4]byte
	length int
}

func (h frameHead) control() bool {
	return h.opcode == opPing || h.opcode == opPong || h.opcode == opClose
}

// carriedFrame holds the assembled part of a message plus the header
// of the frame that overflowed the caller's buffer.
type carriedFrame struct {
	data    []byte
	msgType MessageType
	head    frameHead
}

func (c *clientConn) Read(ctx context.Context, dst []byte) (int, MessageType, error) {
	var (
		total   int
		msgType MessageType
	)
	if carry := c.carry; carry != nil {
		if len(dst) < len(carry.data)+carry.head.length {
			return 0, 0, ErrFrameTooLarge
		}
		c.carry = nil
		total = copy(dst, carry.data)
		msgType = carry.msgType
		if err := c.readBody(ctx, dst[total:total+carry.head.length], carry.head); err != nil {
			return 0, 0, err
		}
		total += carry.head.length
		if carry.head.fin {
			return total, msgType, nil
		}
	}

	for {
		head, err := c.readFrameHead(ctx)
		if err != nil {
			return 0, 0, err
		}
		if head.control() {
			if err := c.handleControl(ctx, head); err != nil {
				return 0, 0, err
			}
			continue
		}

		switch {
		case head.opcode != opContinuation:
			msgType = opcodeToMessageType(head.opcode)
			if msgType == 0 {
				return 0, 0, errProtocol
			}
		case msgType == 0:
			// continuation without a first fragment
			return 0, 0, errProtocol
		}

		if total+head.length > len(dst) {
			c.stash(dst[:total], msgType, head)
			return 0, 0, ErrFrameTooLarge
		}
		if err := c.readBody(ctx, dst[total:total+head.length], head); err != nil {
			return 0, 0, err
		}
		total += head.length
		if head.fin {
			return total, msgType, nil
		}
	}
}

func (c *clientConn) handleControl(ctx context.Context, head frameHead) error {
	var ctrl [125]byte
	if head.length > len(ctrl) {
		return errProtocol
	}
	if err := c.readBody(ctx, ctrl[:head.length], head); err != nil {
		return err
	}
	switch head.opcode {
	case opPing:
		_ = c.writeFrame(context.Background(), opPong, ctrl[:head.length])
	case opClose:
		return io.EOF
	}
	return nil
}

func (c *clientConn) stash(assembled []byte, msgType MessageType, head frameHead) {
	carry := &carriedFrame{msgType: msgType, head: head}
	if len(assembled) > 0 {
		carry.data = append([]byte(nil), assembled...)
	}
	c.carry = carry
}

func (c *clientConn) Write(ctx context.Context, msgType MessageType, payload []byte) error {
	opcode := messageTypeToOpcode(msgType)
	if opcode == 0 {
		return errProtocol
	}
	return c.writeFrame(ctx, opcode, payload)
}

func (c *clientConn) Close(code CloseCode, reason string) error {
	_ = c.writeFrame(context.Background(), opClose, makeClosePayload(code, reason))
	return c.conn.Close()
}

func (c *clientConn) readFrameHead(ctx context.Context) (frameHead, error) {
	if err := c.setReadDeadline(ctx); err != nil {
		return frameHead{}, err
	}
	var raw [2]byte
	if _, err := io.ReadFull(c.reader, raw[:]); err != nil {
		return frameHead{}, err
	}
	if raw[0]&0x70 != 0 {
		// no extensions negotiated, RSV bits must be zero
		return frameHead{}, errProtocol
	}
	head := frameHead{
		fin:    raw[0]&0x80 != 0,
		opcode: raw[0] & 0x0f,
		masked: raw[1]&0x80 != 0,
		length: int(raw[1] & 0x7f),
	}
	switch head.length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(c.reader, ext[:]); err != nil {
			return frameHead{}, err
		}
		head.length = int(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(c.reader, ext[:]); err != nil {
			return frameHead{}, err
		}
		if ext[0]&0x80 != 0 {
			return frameHead{}, errProtocol
		}
		n := binary.BigEndian.Uint64(ext[:])
		if n > uint64(maxPayloadLen) {
			return frameHead{}, ErrFrameTooLarge
		}
		head.length = int(n)
	}
	if head.masked {
		if _, err := io.ReadFull(c.reader, head.key[:]); err != nil {
			return frameHead{}, err
		}
	}
	if head.control() && (!head.fin || head.length > 125) {
		return frameHead{}, errProtocol
	}
	return head, nil
}

func (c *clientConn) readBody(ctx context.Context, dst []byte, head frameHead) error {
	if err := c.setReadDeadline(ctx); err != nil {
		return err
	}
	if _, err := io.ReadFull(c.reader, dst); err != nil {
		return err
	}
	if head.masked {
		for i := range dst {
			dst[i] ^= head.key[i&3]
		}
	}
	return nil
}

// writeFrame masks payload in place; callers hand over ownership of
// the slice.
func (c *clientConn) writeFrame(ctx context.Context, opcode byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.setWriteDeadline(ctx); err != nil {
		return err
	}
	mask := c.nextMask()
	key := [4]byte{byte(mask), byte(mask >> 8), byte(mask >> 16), byte(mask >> 24)}

	var head [14]byte
	head[0] = 0x80 | opcode
	n := 2
	switch {
	case len(payload) <= 125:
		head[1] = byte(len(payload))
	case len(payload) <= 0xffff:
		head[1] = 126
		binary.BigEndian.PutUint16(head[2:], uint16(len(payload)))
		n += 2
	default:
		head[1] = 127
		binary.BigEndian.PutUint64(head[2:], uint64(len(payload)))
		n += 8
	}
	head[1] |= 0x80
	n += copy(head[n:], key[:])

	if _, err := c.conn.Write(head[:n]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	for i := range payload {
		payload[i] ^= key[i&3]
	}
	_, err := c.conn.Write(payload)
	return err
}

func (c *clientConn) setReadDeadline(ctx context.Context) error {
	return setDeadline(ctx, c.conn.SetReadDeadline)
}

func (c *clientConn) setWriteDeadline(ctx context.Context) error {
	return setDeadline(ctx, c.conn.SetWriteDeadline)
}

// nextMask advances the connection-local xorshift state. Mask keys
// need to be unpredictable to proxies, not cryptographic.
func (c *clientConn) nextMask() uint32 {
	c.mask ^= c.mask << 13
	c.mask ^= c.mask >> 17
	c.mask ^= c.mask << 5
	if c.mask == 0 {
		c.mask = 0x9e3779b9
	}
	return c.mask
}

func seedMask() uint32 {
	n := uint32(time.Now().UnixNano())
	if n == 0 {
		return 0x9e3779b9
	}
	return n
}

const (
	opContinuation = 0x0
	opText         = 0x1
	opBinary       = 0x2
	opClose        = 0x8
	opPing         = 0x9
	opPong         = 0xA
)

func messageTypeToOpcode(msgType MessageType) byte {
	switch msgType {
	case MessageText:
		return opText
	case MessageBinary:
		return opBinary
	case MessagePing:
		return opPing
	case MessagePong:
		return opPong
	case MessageClose:
		return opClose
	default:
		return 0
	}
}

func opcodeToMessageType(opcode byte) MessageType {
	switch opcode {
	case opText:
		return MessageText
	case opBinary:
		return MessageBinary
	default:
		return 0
	}
}

func makeClosePayload(code CloseCode, reason string) []byte {
	if code == 0 {
		return nil
	}
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(code))
	if reason == "" {
		return buf[:]
	}
	payload := make([]byte, 0, 2+len(reason))
	payload = append(payload, buf[:]...)
	payload = append(payload, reason...)
	return payload
}

func setDeadline(ctx context.Context, set func(time.Time) error) error {
	if ctx == nil {
		return set(time.Time{})
	}
	if deadline, ok := ctx.Deadline(); ok {
		return set(deadline)
	}
	if ctx.Err() != nil {
		return set(time.Now())
	}
	return set(time.Time{})
}
