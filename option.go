package framed

import (
	"time"
)

// options holds the configuration for a connection.
type options struct {
	logger Logger

	// onMessage is called with each fully reassembled payload.
	onMessage func(payload []byte)
	// onDisconnect is called exactly once when the connection tears down.
	onDisconnect func()
	// onConnect delivers the outcome of DialAsync.
	onConnect func(ConnectResult)

	bufferSize         int           // size of the send queue
	maxMessageLength   int           // maximum declared payload length
	readBufferSize     int           // capacity of the reusable receive buffer
	headerPollInterval time.Duration // sleep between header top-up reads
}

// Option is a function that configures connection options.
type Option func(*options)

// OnMessageOption returns an Option that sets the message handler callback.
// This callback is required and is invoked for each received message, on the
// connection's receive flow, after the machine has re-armed for the next
// header.
func OnMessageOption(cb func(payload []byte)) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// OnDisconnectOption returns an Option that sets the disconnect callback.
// It fires exactly once per connection lifetime, whatever the cause: explicit
// Disconnect, peer close, a read/write fault, or disposal while connected.
func OnDisconnectOption(cb func()) Option {
	return func(o *options) {
		o.onDisconnect = cb
	}
}

// OnConnectOption returns an Option that sets the connect-result callback
// used by DialAsync. Dial reports its outcome through its return value and
// never invokes this callback.
func OnConnectOption(cb func(ConnectResult)) Option {
	return func(o *options) {
		o.onConnect = cb
	}
}

// BufferSizeOption returns an Option that sets the size of the send queue.
// A larger queue allows more frames to be buffered before Send reports
// ErrBufferFull.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// MessageMaxSize returns an Option that sets the maximum payload length.
// A header declaring a larger payload is treated as a framing fault and
// disconnects; Send and SendOrdered refuse larger payloads up front.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxMessageLength = size
	}
}

// ReadBufferSizeOption returns an Option that sets the capacity of the
// reusable receive buffer. Each socket read requests at most this many bytes.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// HeaderPollIntervalOption returns an Option that sets the pause between
// top-up reads when a length header arrives fragmented.
func HeaderPollIntervalOption(interval time.Duration) Option {
	return func(o *options) {
		o.headerPollInterval = interval
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
