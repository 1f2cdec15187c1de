package framed

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Errors returned by acceptor operations.
var (
	// ErrInvalidOnAccepted is returned when no accepted callback is provided.
	ErrInvalidOnAccepted = errors.New("invalid on accepted callback")
	// ErrAlreadyRunning is returned by Start while the acceptor is running.
	ErrAlreadyRunning = errors.New("acceptor already running")
	// ErrNotRunning is returned by Stop while the acceptor is not running.
	ErrNotRunning = errors.New("acceptor not running")
)

// Acceptor listens on a TCP port and wraps every incoming socket into a
// pre-connected framed connection. It carries no framing logic of its own;
// it only produces server-side Conns and reports them through the accepted
// callback together with the peer's address.
type Acceptor struct {
	logger     Logger
	onAccepted func(conn *Conn, remote net.Addr)
	connOpts   []Option

	mu       sync.Mutex
	listener *net.TCPListener
	running  bool
}

// AcceptorOption configures an Acceptor.
type AcceptorOption func(*Acceptor)

// AcceptorLoggerOption sets the logger for the acceptor.
func AcceptorLoggerOption(logger Logger) AcceptorOption {
	return func(a *Acceptor) {
		a.logger = logger
	}
}

// ConnOptions sets the options applied to every accepted connection.
// OnMessageOption is required here, exactly as for a directly built Conn.
func ConnOptions(opt ...Option) AcceptorOption {
	return func(a *Acceptor) {
		a.connOpts = opt
	}
}

// NewAcceptor creates an acceptor that reports each new connection through
// onAccepted. The callback is required.
func NewAcceptor(onAccepted func(conn *Conn, remote net.Addr), opt ...AcceptorOption) (*Acceptor, error) {
	if onAccepted == nil {
		return nil, ErrInvalidOnAccepted
	}

	a := &Acceptor{
		logger:     defaultLogger(),
		onAccepted: onAccepted,
	}

	for _, o := range opt {
		o(a)
	}

	return a, nil
}

// Start binds the port, starts listening and launches the accept loop.
// Returns ErrAlreadyRunning if the acceptor is already started.
func (a *Acceptor) Start(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return ErrAlreadyRunning
	}

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
	if err != nil {
		return errors.Wrapf(err, "listen on port %d", port)
	}

	a.listener = listener
	a.running = true
	a.logger.Info("acceptor started", "addr", listener.Addr())

	go a.acceptLoop(listener)
	return nil
}

// Stop closes the listening socket. Returns ErrNotRunning if the acceptor
// is not started. Start may be called again afterwards.
func (a *Acceptor) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return ErrNotRunning
	}

	a.running = false
	listener := a.listener
	a.listener = nil
	return listener.Close()
}

// IsRunning returns true while the acceptor is listening.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Addr returns the listener's address, or nil when not running.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// acceptLoop accepts continuously, handing each socket off to its own
// goroutine so the next accept is armed immediately. The loop only mutates
// the acceptor's state while it still owns it: after a Stop/Start cycle the
// acceptor may already belong to a newer loop on a fresh listener.
func (a *Acceptor) acceptLoop(listener *net.TCPListener) {
	for {
		raw, err := listener.AcceptTCP()
		if err == nil {
			go a.handle(raw)
			continue
		}

		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}

		a.mu.Lock()
		owned := a.listener == listener
		if owned {
			a.running = false
			a.listener = nil
		}
		a.mu.Unlock()

		if !owned {
			// Stop closed this listener, or a newer Start took over.
			a.logger.Info("acceptor stopped", "addr", listener.Addr())
			return
		}

		// Fatal error on the live listener: release the state so Start
		// may be called again.
		a.logger.Error("accept error", "error", err)
		listener.Close()
		return
	}
}

// handle wraps a freshly accepted socket into a pre-connected Conn and
// fires the accepted callback. The Conn's receive loop is live before the
// callback sees it.
func (a *Acceptor) handle(raw *net.TCPConn) {
	_ = raw.SetNoDelay(true)

	conn, err := Accepted(raw, a.connOpts...)
	if err != nil {
		a.logger.Error("rejecting connection", "remote_addr", raw.RemoteAddr(), "error", err)
		raw.Close()
		return
	}

	a.logger.Debug("accepted connection", "remote_addr", raw.RemoteAddr())
	a.onAccepted(conn, raw.RemoteAddr())
}
