package websocket

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

const (
	closeGrace    = time.Second
	maxReadBuffer = 8 << 20
)

// Option configures a Session.
type Option struct {
	Dialer Dialer
	Codec  Codec

	// OnBinary and OnText receive frame payloads. The slice is only
	// valid for the duration of the call.
	OnBinary func(payload []byte)
	OnText   func(payload []byte)

	// OnConnect runs after the socket opens and before subscription
	// replay, so handlers can reset downstream state first.
	OnConnect    func(ctx context.Context, s *Session) error
	OnDisconnect func(err error)

	BufferPool     *BufferPool
	OutboundPool   *OutboundPool
	MaxFrameSize   int
	ControlBufSize int
	WriteQueueSize int
	WriteOverflow  OverflowPolicy
	PingInterval   time.Duration
	Backoff        Backoff
}

// Session owns one venue connection. It dials, replays subscriptions
// grouped by mode, pumps frames to the handlers, and reconnects with
// backoff. At most one connection attempt is in flight at any time.
type Session struct {
	opt            Option
	writer         *Writer
	subs           *Subscriptions
	bufferPool     *BufferPool
	outboundPool   *OutboundPool
	controlBufSize int
	frameSize      int
	state          atomic.Uint32
	running        atomic.Bool
	cancel         context.CancelFunc
	done           chan struct{}
	groupsScratch  []ModeGroup
}

func New(opt Option) (*Session, error) {
	if opt.Dialer == nil {
		return nil, ErrNilDialer
	}
	if opt.Codec == nil {
		return nil, ErrNilCodec
	}
	if opt.MaxFrameSize <= 0 {
		opt.MaxFrameSize = 64 << 10
	}
	if opt.BufferPool == nil {
		opt.BufferPool = DefaultBufferPool()
	}
	if opt.OutboundPool == nil {
		opt.OutboundPool = NewOutboundPool(opt.BufferPool)
	}
	if opt.ControlBufSize <= 0 {
		opt.ControlBufSize = 16 << 10
	}
	if opt.WriteQueueSize <= 0 {
		opt.WriteQueueSize = 1024
	}
	if opt.Backoff.Min == 0 && opt.Backoff.Max == 0 && opt.Backoff.Factor == 0 && opt.Backoff.Jitter == 0 {
		opt.Backoff = DefaultBackoff()
	}

	s := &Session{
		opt:            opt,
		writer:         NewWriter(opt.OutboundPool, opt.WriteQueueSize, opt.WriteOverflow),
		subs:           NewSubscriptions(),
		bufferPool:     opt.BufferPool,
		outboundPool:   opt.OutboundPool,
		controlBufSize: opt.ControlBufSize,
		frameSize:      opt.MaxFrameSize,
		done:           make(chan struct{}),
	}
	if nd, ok := opt.Dialer.(*NetDialer); ok && nd.OnState == nil {
		nd.OnState = s.setState
	}
	return s, nil
}

// Start launches the session loop. It returns false when the session
// is already running.
func (s *Session) Start(parent context.Context) bool {
	if s == nil || parent == nil {
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	go func() {
		s.run(ctx)
		s.setState(StateDisconnected)
		close(s.done)
	}()
	return true
}

// Close stops the session and waits for the loop to exit, at most two
// close grace periods. A loop still stuck after that is abandoned.
func (s *Session) Close() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-time.After(2 * closeGrace):
	}
}

// State reports the current connection lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connected reports whether the socket is open.
func (s *Session) Connected() bool {
	return s.State() == StateOpen
}

func (s *Session) setState(st State) {
	s.state.Store(uint32(st))
}

// Send copies payload onto the outbound queue.
func (s *Session) Send(msgType MessageType, payload []byte) bool {
	if s == nil {
		return false
	}
	return s.writer.Send(msgType, payload)
}

// Subscribe records topics as desired under mode. When the session is
// open the subscribe and mode messages go out right away; otherwise
// replay happens on the next connect.
func (s *Session) Subscribe(topics []TopicID, mode string) error {
	if s == nil {
		return ErrBadConfig
	}
	if len(topics) == 0 {
		return nil
	}

	changed := make([]TopicID, 0, len(topics))
	for _, t := range topics {
		if s.subs.Add(t, mode) {
			changed = append(changed, t)
		}
	}
	if len(changed) == 0 || s.State() != StateOpen {
		return nil
	}
	if err := s.sendSubscribe(changed, mode); err != nil {
		return err
	}
	for _, t := range changed {
		s.subs.MarkActive(t)
	}
	return nil
}

// Unsubscribe removes topics from the desired set and tells the venue
// when connected.
func (s *Session) Unsubscribe(topics []TopicID) error {
	if s == nil || len(topics) == 0 {
		return nil
	}

	removed := make([]TopicID, 0, len(topics))
	for _, t := range topics {
		if s.subs.Remove(t) {
			removed = append(removed, t)
		}
	}
	if len(removed) == 0 || s.State() != StateOpen {
		return nil
	}
	return s.sendUnsubscribe(removed)
}

// Subscriptions exposes the desired-topic tracker.
func (s *Session) Subscriptions() *Subscriptions {
	return s.subs
}

func (s *Session) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.opt.Dialer.Dial(ctx)
		if err != nil {
			s.setState(StateDisconnected)
			if ctx.Err() != nil {
				return
			}
			attempt++
			s.sleepBackoff(ctx, attempt)
			continue
		}

		attempt = 0
		s.setState(StateOpen)
		s.writer.SetConnected(true)

		if s.opt.OnConnect != nil {
			if err := s.opt.OnConnect(ctx, s); err != nil {
				_ = conn.Close(CloseNormal, "on_connect_failed")
				s.teardown()
				attempt++
				s.sleepBackoff(ctx, attempt)
				continue
			}
		}

		s.subs.ClearActive()
		if err := s.replay(); err != nil {
			_ = conn.Close(CloseNormal, "resubscribe_failed")
			s.teardown()
			attempt++
			s.sleepBackoff(ctx, attempt)
			continue
		}

		err = s.runSession(ctx, conn)
		if s.opt.OnDisconnect != nil {
			s.opt.OnDisconnect(err)
		}
		s.teardown()
		_ = conn.Close(CloseNormal, "session_end")

		if ctx.Err() != nil {
			return
		}
		attempt++
		s.sleepBackoff(ctx, attempt)
	}
}

func (s *Session) teardown() {
	s.setState(StateDisconnected)
	s.writer.SetConnected(false)
	s.writer.Drain()
}

func (s *Session) replay() error {
	s.groupsScratch = s.subs.DesiredGroups(s.groupsScratch)
	for _, group := range s.groupsScratch {
		if err := s.sendSubscribe(group.Topics, group.Mode); err != nil {
			return err
		}
		for _, topic := range group.Topics {
			s.subs.MarkActive(topic)
		}
	}
	return nil
}

func (s *Session) sendSubscribe(topics []TopicID, mode string) error {
	payload, msgType, err := s.encodeControl(func(dst []byte) (MessageType, []byte, error) {
		return s.opt.Codec.EncodeSubscribe(dst, mode, topics)
	})
	if err != nil {
		return err
	}
	frame := s.outboundPool.New(msgType, payload)
	if !s.writer.Enqueue(frame) {
		frame.Release()
		return ErrQueueFull
	}
	return s.sendMode(mode, topics)
}

func (s *Session) sendMode(mode string, topics []TopicID) error {
	if s.bufferPool == nil {
		return ErrNoPool
	}
	buf := s.bufferPool.Get(s.controlBufSize)
	msgType, payload, ok, err := s.opt.Codec.EncodeMode(buf[:0], mode, topics)
	if err != nil {
		s.bufferPool.Put(buf)
		return err
	}
	if !ok {
		s.bufferPool.Put(buf)
		return nil
	}
	if len(payload) == 0 {
		payload = buf[:0]
	} else if len(payload) > cap(buf) {
		s.bufferPool.Put(buf)
	}
	frame := s.outboundPool.New(msgType, payload)
	if !s.writer.Enqueue(frame) {
		frame.Release()
		return ErrQueueFull
	}
	return nil
}

func (s *Session) sendUnsubscribe(topics []TopicID) error {
	payload, msgType, err := s.encodeControl(func(dst []byte) (MessageType, []byte, error) {
		return s.opt.Codec.EncodeUnsubscribe(dst, topics)
	})
	if err != nil {
		return err
	}
	frame := s.outboundPool.New(msgType, payload)
	if !s.writer.Enqueue(frame) {
		frame.Release()
		return ErrQueueFull
	}
	return nil
}

func (s *Session) encodeControl(encode func(dst []byte) (MessageType, []byte, error)) ([]byte, MessageType, error) {
	if s.bufferPool == nil {
		return nil, 0, ErrNoPool
	}
	buf := s.bufferPool.Get(s.controlBufSize)
	msgType, payload, err := encode(buf[:0])
	if err != nil {
		s.bufferPool.Put(buf)
		return nil, 0, err
	}
	if len(payload) == 0 {
		payload = buf[:0]
	} else if len(payload) > cap(buf) {
		// append spilled into a fresh heap buffer; recycle the pooled one
		s.bufferPool.Put(buf)
	}
	return payload, msgType, nil
}

func (s *Session) runSession(ctx context.Context, conn Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go s.readLoop(sessionCtx, conn, errCh)

	var pingTicker *time.Ticker
	if s.opt.PingInterval > 0 {
		pingTicker = time.NewTicker(s.opt.PingInterval)
		defer pingTicker.Stop()
	}
	var ping <-chan time.Time
	if pingTicker != nil {
		ping = pingTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.setState(StateClosing)
			_ = conn.Write(context.Background(), MessageClose, makeClosePayload(CloseNormal, "shutdown"))
			select {
			case <-errCh:
			case <-time.After(closeGrace):
			}
			return ctx.Err()
		case err := <-errCh:
			return err
		case frame := <-s.writer.queue:
			if frame == nil {
				continue
			}
			err := conn.Write(sessionCtx, frame.MsgType, frame.Buf)
			frame.Release()
			if err != nil {
				return err
			}
		case <-ping:
			s.writer.Send(MessagePing, nil)
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn Conn, errCh chan<- error) {
	buf := make([]byte, s.frameSize)
	for {
		n, msgType, err := conn.Read(ctx, buf)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) && len(buf) < maxReadBuffer {
				buf = make([]byte, len(buf)*2)
				continue
			}
			errCh <- err
			return
		}
		if n <= 0 {
			continue
		}
		switch msgType {
		case MessageBinary:
			if s.opt.OnBinary != nil {
				s.opt.OnBinary(buf[:n])
			}
		case MessageText:
			if s.opt.OnText != nil {
				s.opt.OnText(buf[:n])
			}
		}
	}
}

func (s *Session) sleepBackoff(ctx context.Context, attempt int) {
	wait := s.opt.Backoff.Next(attempt)
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
