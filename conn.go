// Package framed provides a reusable point-to-point TCP message transport.
// Every message travels as a 4-byte length prefix followed by the payload,
// and the connection reassembles payloads across partial reads so callers
// only ever see whole messages. Connection lifecycle (connect result,
// received message, disconnection) is reported through registered callbacks.
package framed

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotConnected is returned when an operation requires an established
	// connection, for example Disconnect or Send before Dial.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Dial on a connected connection.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrBufferFull is returned by Send when the send queue is full.
	// It indicates backpressure: the write loop is not draining frames as
	// fast as the caller produces them. Use SendOrdered to wait instead.
	ErrBufferFull = errors.New("send buffer full")
)

// Default configuration values.
const (
	// defaultBufferSize is the default depth of the send queue.
	defaultBufferSize = 1
	// defaultMaxMessageLength is the default maximum payload size (1MB).
	defaultMaxMessageLength = 1024 * 1024
	// defaultReadBufferSize is the default capacity of the receive buffer.
	defaultReadBufferSize = 8192
	// defaultHeaderPollInterval is the default pause between top-up reads
	// of a fragmented header.
	defaultHeaderPollInterval = time.Millisecond
)

// recvState is the receive machine's position in the current message.
type recvState int32

const (
	stateAwaitingHeader recvState = iota
	stateAwaitingPayload
	stateClosed
)

// Conn is a framed connection. It exclusively owns one TCP socket, drives
// its own receive loop, and exposes Send/SendOrdered for the write path.
//
// A Conn is created either unconnected (New, then Dial or DialAsync) or
// pre-connected around an accepted socket (Accepted), in which case the
// receive loop is already running when the constructor returns.
type Conn struct {
	opts   options
	logger Logger

	mu      sync.Mutex // guards rawConn and cancel
	rawConn *net.TCPConn
	cancel  context.CancelFunc

	// readBuf is reused for every payload read; its contents are only
	// meaningful until appended to the current accumulator.
	readBuf []byte

	sendMu sync.Mutex // serializes SendOrdered header+payload pairs
	sendQ  chan []byte

	state     atomic.Int32
	connected atomic.Bool
	closed    atomic.Bool
	stopD     syncx.DoneChan
}

// New creates an unconnected framed connection. Use Dial or DialAsync to
// establish it. Returns an error if required options are missing.
func New(opt ...Option) (*Conn, error) {
	opts, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}
	return newConn(nil, opts), nil
}

// Accepted wraps an already-accepted socket into a framed connection.
// The connection is connected and its receive loop is running when
// Accepted returns; a message sent immediately by the peer is delivered
// without any further call.
func Accepted(raw *net.TCPConn, opt ...Option) (*Conn, error) {
	opts, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}

	c := newConn(raw, opts)
	c.connected.Store(true)
	c.start()
	return c, nil
}

func buildOptions(opt []Option) (options, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return options{}, err
	}
	return opts, nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxMessageLength <= 0 {
		opts.maxMessageLength = defaultMaxMessageLength
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.headerPollInterval <= 0 {
		opts.headerPollInterval = defaultHeaderPollInterval
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

func newConn(raw *net.TCPConn, opts options) *Conn {
	c := &Conn{
		opts:    opts,
		logger:  opts.logger,
		rawConn: raw,
		readBuf: make([]byte, opts.readBufferSize),
		sendQ:   make(chan []byte, opts.bufferSize),
		stopD:   syncx.NewDoneChan(),
	}
	c.state.Store(int32(stateAwaitingHeader))
	return c
}

// Dial connects to addr ("host:port"), blocking until the connection is
// established or fails. On success the receive loop is running before Dial
// returns; on failure the connection stays unconnected and Dial may be
// retried.
func (c *Conn) Dial(addr string) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", addr)
	}

	raw, err := net.DialTCP("tcp", nil, tcpAddr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", addr)
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		raw.Close()
		return ErrConnectionClosed
	}
	if c.rawConn != nil {
		// A concurrent Dial won the race while we were connecting.
		c.mu.Unlock()
		raw.Close()
		return ErrAlreadyConnected
	}
	c.rawConn = raw
	c.mu.Unlock()

	c.connected.Store(true)
	c.start()
	return nil
}

// DialAsync connects to addr without blocking the caller. The outcome is
// delivered exactly once through the OnConnectOption callback.
func (c *Conn) DialAsync(addr string) {
	go func() {
		err := c.Dial(addr)
		if cb := c.opts.onConnect; cb != nil {
			cb(ConnectResult{Connected: err == nil, Err: err})
		}
	}()
}

// start launches the read/write loop pair for an established connection.
func (c *Conn) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
}

func (c *Conn) run(ctx context.Context) {
	addr := c.RemoteAddr()
	c.logger.Info("connection established", "addr", addr)
	c.logger.Debug("connection options", "addr", addr,
		"buffer_size", c.opts.bufferSize,
		"max_message_length", c.opts.maxMessageLength,
		"read_buffer_size", c.opts.readBufferSize)

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	err := group.Wait()
	c.teardown()

	if err != nil && err != context.Canceled {
		c.logger.Info("connection closed with error", "addr", addr, "error", err)
	} else {
		c.logger.Info("connection closed", "addr", addr)
	}
}

// readLoop is the receive state machine: header, then payload, then
// dispatch, re-armed for the next header before the message callback runs.
// Any read fault or end of stream ends the loop and tears the connection
// down; at most one read is ever outstanding per connection.
func (c *Conn) readLoop(ctx context.Context) error {
	var header [HeaderSize]byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if c.closed.Load() {
			return ErrConnectionClosed
		}

		c.state.Store(int32(stateAwaitingHeader))
		if err := c.readHeader(header[:]); err != nil {
			return err
		}

		length := int(byteOrder.Uint32(header[:]))
		if length > c.opts.maxMessageLength {
			c.logger.Warn("declared length exceeds limit",
				"addr", c.RemoteAddr(), "length", length)
			return ErrMessageTooLarge
		}

		payload, err := c.readPayload(length)
		if err != nil {
			return err
		}

		// Back to awaiting-header before the callback runs, so the machine
		// is re-armed except for the window the handler executes in.
		c.state.Store(int32(stateAwaitingHeader))
		c.opts.onMessage(payload)
	}
}

// readHeader fills the 4-byte length prefix from the stream. A short first
// read means the header itself split across packets; the shortfall is
// topped up with further reads, pausing between attempts rather than
// spinning. A zero-byte result surfaces as io.EOF from net.TCPConn, so any
// read error here means the peer is gone.
func (c *Conn) readHeader(header []byte) error {
	raw := c.raw()
	if raw == nil {
		return ErrNotConnected
	}

	n, err := raw.Read(header)
	for n < len(header) {
		if err != nil {
			return err
		}

		time.Sleep(c.opts.headerPollInterval)

		var m int
		m, err = raw.Read(header[n:])
		n += m
	}
	return nil
}

// readPayload assembles a payload of the declared length, reading at most
// cap(readBuf) bytes at a time into the reusable buffer and appending to a
// fresh accumulator. A declared length of zero dispatches immediately with
// an empty payload and touches the socket not at all.
func (c *Conn) readPayload(length int) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}

	c.state.Store(int32(stateAwaitingPayload))

	raw := c.raw()
	if raw == nil {
		return nil, ErrNotConnected
	}

	acc := make([]byte, 0, length)
	remaining := length
	for remaining > 0 {
		buf := c.readBuf
		if remaining < len(buf) {
			buf = buf[:remaining]
		}

		n, err := raw.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			remaining -= n
		}
		if remaining > 0 && err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// writeLoop drains the send queue. One loop per connection drains all
// queued frames, so frames from concurrent Send calls never interleave on
// the wire.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.sendQ:
			raw := c.raw()
			if raw == nil {
				return ErrNotConnected
			}
			if _, err := raw.Write(frame); err != nil {
				c.logger.Debug("write error", "addr", c.RemoteAddr(), "error", err)
				return err
			}
		}
	}
}

// Send frames the payload (length prefix and payload in one buffer) and
// queues it for the write loop. It returns without waiting for the bytes to
// reach the socket.
//
// Returns:
//   - nil: frame queued
//   - ErrBufferFull: send queue full, frame was NOT queued
//   - ErrConnectionClosed / ErrNotConnected: connection unusable
//   - ErrMessageTooLarge: payload exceeds the configured maximum
func (c *Conn) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if len(payload) > c.opts.maxMessageLength {
		return ErrMessageTooLarge
	}

	frame := EncodeFrame(payload)

	select {
	case c.sendQ <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendOrdered writes the length prefix and payload directly to the socket,
// header first, under a per-connection lock and without building a combined
// buffer. It blocks until both writes complete, so concurrent SendOrdered
// calls keep their frames whole and in acquisition order on the wire.
// A write fault tears the connection down.
func (c *Conn) SendOrdered(payload []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if len(payload) > c.opts.maxMessageLength {
		return ErrMessageTooLarge
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	raw := c.raw()
	if raw == nil {
		return ErrNotConnected
	}

	var header [HeaderSize]byte
	byteOrder.PutUint32(header[:], uint32(len(payload)))

	if _, err := raw.Write(header[:]); err != nil {
		c.teardown()
		return err
	}
	if _, err := raw.Write(payload); err != nil {
		c.teardown()
		return err
	}
	return nil
}

// Disconnect performs an orderly shutdown of an established connection:
// a graceful FIN to the peer, then the common teardown. Calling it on a
// connection that is not connected is a caller error.
func (c *Conn) Disconnect() error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}

	if raw := c.raw(); raw != nil {
		_ = raw.CloseWrite()
	}
	c.teardown()
	return nil
}

// Close releases the socket unconditionally. Safe to call multiple times;
// operations after Close fail fast with ErrConnectionClosed.
func (c *Conn) Close() error {
	c.teardown()
	return nil
}

// teardown is the single convergence point for explicit Disconnect, read or
// write faults, peer close and disposal. It runs its body at most once and
// fires the disconnect callback only if the connection was established.
func (c *Conn) teardown() {
	if c.closed.Swap(true) {
		return
	}

	wasConnected := c.connected.Swap(false)
	c.state.Store(int32(stateClosed))

	c.mu.Lock()
	cancel := c.cancel
	raw := c.rawConn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if raw != nil {
		_ = raw.Close()
	}

	c.stopD.SetDone()

	if wasConnected && c.opts.onDisconnect != nil {
		c.opts.onDisconnect()
	}
}

// IsConnected returns true while the connection is established.
func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

// IsClosed returns true once the connection has been torn down.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// DisconnectD returns a done channel that is signaled when the connection
// tears down, as an alternative to the disconnect callback.
func (c *Conn) DisconnectD() syncx.DoneChanR {
	return c.stopD.R()
}

// RemoteAddr returns the remote address, or nil before the connection is
// established.
func (c *Conn) RemoteAddr() net.Addr {
	if raw := c.raw(); raw != nil {
		return raw.RemoteAddr()
	}
	return nil
}

// LocalAddr returns the local address, or nil before the connection is
// established.
func (c *Conn) LocalAddr() net.Addr {
	if raw := c.raw(); raw != nil {
		return raw.LocalAddr()
	}
	return nil
}

func (c *Conn) raw() *net.TCPConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rawConn
}

// recvStateNow reports the receive machine's current position.
func (c *Conn) recvStateNow() recvState {
	return recvState(c.state.Load())
}
