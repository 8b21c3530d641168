package vehicle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banshee-data/lanekeeper/internal/mailbox"
	"github.com/banshee-data/lanekeeper/internal/monitoring"
	"github.com/banshee-data/lanekeeper/internal/serialmux"
	"github.com/banshee-data/lanekeeper/internal/timeutil"
)

// ErrLinkDown wraps every error that ends a session.
var ErrLinkDown = errors.New("vehicle link down")

// State is the link's session state.
type State int32

const (
	Disconnected State = iota
	Connected
	AwaitingStatus
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case AwaitingStatus:
		return "awaiting-status"
	default:
		return "disconnected"
	}
}

// Options configures a Link.
type Options struct {
	// Path is the serial device, e.g. /dev/ttyAMA0.
	Path string
	Port serialmux.PortOptions
	// Open opens the device; defaults to serialmux.Open.
	Open serialmux.Opener
	// StatusTimeout bounds the wait for one STATUS reply.
	StatusTimeout time.Duration
	// SerializeStatus holds back motion commands while a STATUS reply is
	// outstanding.
	SerializeStatus bool
	Clock           timeutil.Clock
	Logger          *zap.Logger
}

// Link owns the serial session to the motor board. It is the only reader and
// writer of the port. Commands and status requests are handed to it through
// newest-wins slots, so producers never block on serial I/O.
type Link struct {
	opts   Options
	clock  timeutil.Clock
	logger *zap.Logger

	commands  *mailbox.Latest[Command]
	statusReq *mailbox.Flag
	statuses  *mailbox.Latest[Status]

	state      atomic.Int32
	lastSent   atomic.Pointer[Command]
	lastStatus atomic.Pointer[Status]
	mux        atomic.Pointer[serialmux.SerialMux[serialmux.SerialPorter]]

	down     chan struct{}
	downOnce sync.Once
	err      error
}

// NewLink returns a link that is not yet connected. Call Run to open the
// session.
func NewLink(opts Options) *Link {
	if opts.Open == nil {
		opts.Open = serialmux.Open
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = time.Second
	}
	return &Link{
		opts:      opts,
		clock:     timeutil.OrReal(opts.Clock),
		logger:    monitoring.Or(opts.Logger).Named("vehicle"),
		commands:  mailbox.NewLatest[Command](),
		statusReq: mailbox.NewFlag(),
		statuses:  mailbox.NewLatest[Status](),
		down:      make(chan struct{}),
	}
}

// Send queues c for transmission, replacing any command not yet written.
func (l *Link) Send(c Command) {
	l.commands.Put(c)
}

// RequestStatus asks the link to poll the board once. Requests made while
// one is outstanding collapse into the next poll.
func (l *Link) RequestStatus() {
	l.statusReq.Set()
}

// TakeStatus returns the newest status received since the last call.
func (l *Link) TakeStatus() (Status, bool) {
	return l.statuses.TryTake()
}

// LastStatus returns the newest status received over the session.
func (l *Link) LastStatus() (Status, bool) {
	if s := l.lastStatus.Load(); s != nil {
		return *s, true
	}
	return Status{}, false
}

// LastSent returns the most recent command written to the board.
func (l *Link) LastSent() (Command, bool) {
	if c := l.lastSent.Load(); c != nil {
		return *c, true
	}
	return Command{}, false
}

// State returns the current session state.
func (l *Link) State() State {
	return State(l.state.Load())
}

// Down is closed once the session has ended, cleanly or not.
func (l *Link) Down() <-chan struct{} {
	return l.down
}

// Err reports why the session ended. It is nil before Down is closed and
// after a clean stop.
func (l *Link) Err() error {
	select {
	case <-l.down:
		return l.err
	default:
		return nil
	}
}

// Subscribe taps the raw lines read from the board. It reports false when
// no session is open.
func (l *Link) Subscribe() (string, chan string, bool) {
	mux := l.mux.Load()
	if mux == nil {
		return "", nil, false
	}
	id, ch := mux.Subscribe()
	return id, ch, true
}

// Unsubscribe removes a tap added by Subscribe.
func (l *Link) Unsubscribe(id string) {
	if mux := l.mux.Load(); mux != nil {
		mux.Unsubscribe(id)
	}
}

// Run opens the port and serves the session until ctx is cancelled or an
// I/O error occurs. On cancellation it flushes the pending command, makes
// sure the last command written is a stop, closes the port and returns nil.
// Any read or write failure ends the session: a best-effort stop is written,
// the port is closed and the error is returned wrapped in ErrLinkDown.
// Run must be called at most once.
func (l *Link) Run(ctx context.Context) error {
	err := l.run(ctx)
	l.downOnce.Do(func() {
		l.err = err
		close(l.down)
	})
	return err
}

func (l *Link) run(ctx context.Context) error {
	sessionID := uuid.NewString()
	log := l.logger.With(zap.String("session", sessionID), zap.String("port", l.opts.Path))

	port, err := l.opts.Open(l.opts.Path, l.opts.Port)
	if err != nil {
		log.Error("open failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrLinkDown, err)
	}
	mux := serialmux.NewSerialMux(port)
	l.mux.Store(mux)
	_, lines := mux.Subscribe()

	monCtx, cancelMon := context.WithCancel(context.Background())
	defer cancelMon()
	monErr := make(chan error, 1)
	go func() { monErr <- mux.Monitor(monCtx) }()

	l.setState(Connected)
	log.Info("session open")

	s := &sessionWriter{link: l, mux: mux, log: log}
	defer func() {
		l.setState(Disconnected)
		if err := mux.Close(); err != nil {
			log.Warn("close failed", zap.Error(err))
		}
		log.Info("session closed")
	}()

	var (
		awaiting bool
		timer    timeutil.Timer
		timeout  <-chan time.Time
	)
	stopAwaiting := func() {
		awaiting = false
		timeout = nil
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		l.setState(Connected)
	}

	for {
		var cmds <-chan Command
		if !awaiting || !l.opts.SerializeStatus {
			cmds = l.commands.C()
		}
		var reqs <-chan struct{}
		if !awaiting {
			reqs = l.statusReq.C()
		}

		select {
		case <-ctx.Done():
			return s.shutdown()

		case err := <-monErr:
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return s.abort(fmt.Errorf("read: %w", err))

		case line, ok := <-lines:
			if !ok {
				return s.abort(fmt.Errorf("read: %w", io.ErrClosedPipe))
			}
			if !awaiting {
				log.Debug("unsolicited line dropped", zap.String("line", line))
				continue
			}
			stopAwaiting()
			st, err := ParseStatus(line)
			if err != nil {
				log.Warn("status dropped", zap.String("line", line), zap.Error(err))
				continue
			}
			st.Received = l.clock.Now()
			l.lastStatus.Store(&st)
			l.statuses.Put(st)

		case <-timeout:
			log.Warn("status reply timed out", zap.Duration("timeout", l.opts.StatusTimeout))
			stopAwaiting()

		case c := <-cmds:
			if err := s.write(c); err != nil {
				return s.abort(err)
			}

		case <-reqs:
			if c, ok := l.commands.TryTake(); ok {
				if err := s.write(c); err != nil {
					return s.abort(err)
				}
			}
			if _, err := s.writeLine(StatusRequest); err != nil {
				return s.abort(err)
			}
			timer = l.clock.NewTimer(l.opts.StatusTimeout)
			timeout = timer.C()
			awaiting = true
			l.setState(AwaitingStatus)
		}
	}
}

func (l *Link) setState(s State) {
	l.state.Store(int32(s))
}

// sessionWriter carries the per-session write path.
type sessionWriter struct {
	link *Link
	mux  *serialmux.SerialMux[serialmux.SerialPorter]
	log  *zap.Logger
	// torn is set after a short write left a partial line on the wire.
	torn bool
}

// write transmits c. A short write is logged and not retried, and c is not
// recorded as sent; any other failure is returned.
func (s *sessionWriter) write(c Command) error {
	complete, err := s.writeLine(c.Line())
	if err != nil {
		return err
	}
	if !complete {
		return nil
	}
	s.link.lastSent.Store(&c)
	s.log.Debug("command sent", zap.Stringer("command", c))
	return nil
}

// writeLine reports whether the whole line reached the port. The line after
// a short write is prefixed with a newline so the board discards the
// fragment instead of joining it to the next command.
func (s *sessionWriter) writeLine(line string) (bool, error) {
	framed := line
	if s.torn {
		framed = "\n" + line
	}
	err := s.mux.SendCommand(framed)
	if errors.Is(err, serialmux.ErrWriteFailed) {
		s.torn = true
		s.log.Warn("short write", zap.String("line", line))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("write %q: %w", line, err)
	}
	s.torn = false
	return true, nil
}

// shutdown flushes the pending command and leaves the vehicle stopped.
func (s *sessionWriter) shutdown() error {
	if c, ok := s.link.commands.TryTake(); ok {
		if err := s.write(c); err != nil {
			return s.abort(err)
		}
	}
	if last, ok := s.link.LastSent(); !ok || !last.IsStop() {
		if err := s.write(Stop()); err != nil {
			return s.abort(err)
		}
		if last, ok := s.link.LastSent(); !ok || !last.IsStop() {
			s.log.Error("final stop was cut short")
		}
	}
	return nil
}

// abort ends a failed session with a best-effort stop.
func (s *sessionWriter) abort(cause error) error {
	s.log.Error("session failed", zap.Error(cause))
	if complete, err := s.writeLine(Stop().Line()); err == nil && complete {
		stop := Stop()
		s.link.lastSent.Store(&stop)
	}
	return fmt.Errorf("%w: %w", ErrLinkDown, cause)
}
