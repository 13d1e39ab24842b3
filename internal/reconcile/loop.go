// ABOUTME: Cooperative polling loop driving the connection state machine
// ABOUTME: One poll in flight, restartable timer, out-of-band checks and stale-result discard

package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/wa-gateway/internal/api"
	"github.com/2389/wa-gateway/internal/clock"
	"github.com/2389/wa-gateway/internal/waha"
)

// Source is the internal HTTP surface the loop polls.
type Source interface {
	// SessionStatus is the primary poll; it may carry a pairing payload.
	SessionStatus(ctx context.Context) (*api.SessionStatus, error)
	// CheckConnection asks the gateway directly, bypassing any server cache.
	CheckConnection(ctx context.Context) (*api.SessionStatus, error)
	// SessionAction issues a user command.
	SessionAction(ctx context.Context, action api.Action) (*api.SessionStatus, error)
	// QR starts or restarts the session when needed and fetches a pairing payload.
	QR(ctx context.Context) (*api.SessionStatus, error)
}

// Options tunes the loop. Zero values take the defaults.
type Options struct {
	Interval    time.Duration // between polls, default 8s
	MaxPolls    int           // per sub-phase, default 40
	CheckEvery  int           // out-of-band check every Nth has-payload poll, default 3
	ActionGrace time.Duration // before the refresh prompt, default 3s
	Clock       clock.Clock

	// OnConnected fires once per newly seen account.
	OnConnected func(session string, acct waha.Account)
	// OnChange receives a copy of the state after every transition.
	OnChange func(State)
}

type command struct {
	kind   commandKind
	action api.Action
}

type commandKind int

const (
	cmdRestart commandKind = iota
	cmdRefresh
	cmdAction
)

type pollResult struct {
	gen    int
	oob    bool
	status *api.SessionStatus
	err    error
}

// Loop polls a Source and keeps a Machine current. The Machine is only
// touched by the loop goroutine; readers use Snapshot.
type Loop struct {
	src    Source
	opts   Options
	clock  clock.Clock
	logger *slog.Logger

	machine *Machine
	cmds    chan command

	mu   sync.RWMutex
	snap State

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewLoop creates a Loop. Call Start to begin polling.
func NewLoop(src Source, opts Options, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 8 * time.Second
	}
	if opts.ActionGrace <= 0 {
		opts.ActionGrace = 3 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	l := &Loop{
		src:    src,
		opts:   opts,
		clock:  opts.Clock,
		logger: logger.With("component", "reconcile"),
		cmds:   make(chan command, 8),
		done:   make(chan struct{}),
	}
	l.machine = NewMachine(opts.MaxPolls, opts.CheckEvery, func(a waha.Account) {
		l.logger.Info("session connected", "session", l.machine.state.Session, "account", a.ID)
		if l.opts.OnConnected != nil {
			l.opts.OnConnected(l.machine.state.Session, a)
		}
	})
	l.snap = l.machine.State()
	return l
}

// Start begins polling immediately. It returns at once; Stop ends the loop.
// Start after Stop does nothing.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		ctx, l.cancel = context.WithCancel(ctx)
		go l.run(ctx)
	})
}

// Stop ends the loop and waits for it. Results of an in-flight poll are discarded.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		started := true
		l.startOnce.Do(func() { started = false })
		if !started {
			close(l.done)
			return
		}
		l.cancel()
		<-l.done
	})
}

// Done is closed once the loop has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Snapshot returns a copy of the current state.
func (l *Loop) Snapshot() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap.Clone()
}

// Restart resets to loading, cancels the pending timer and polls right away.
// When that poll finds the session neither working nor awaiting pairing, the
// loop asks the Source for a fresh pairing payload.
func (l *Loop) Restart() { l.send(command{kind: cmdRestart}) }

// Refresh polls right away without resetting state. Once polling has stopped
// on an error, Refresh restarts instead.
func (l *Loop) Refresh() { l.send(command{kind: cmdRefresh}) }

// Do issues a session action and lets the loop reconcile its outcome.
func (l *Loop) Do(ctx context.Context, action api.Action) (*api.SessionStatus, error) {
	st, err := l.src.SessionAction(ctx, action)
	if err != nil {
		return nil, err
	}
	l.send(command{kind: cmdAction, action: action})
	return st, nil
}

func (l *Loop) send(c command) {
	select {
	case l.cmds <- c:
	case <-l.done:
	}
}

func (l *Loop) publish() {
	s := l.machine.State()
	l.mu.Lock()
	l.snap = s
	l.mu.Unlock()
	if l.opts.OnChange != nil {
		l.opts.OnChange(s.Clone())
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	results := make(chan pollResult, 1)
	var (
		gen        int
		inFlight   bool
		kick       bool // next primary poll may drive pairing
		tick       <-chan time.Time
		grace      <-chan time.Time
		nextPollAt time.Time
	)

	poll := func(oob bool) {
		inFlight = true
		g := gen
		k := kick && !oob
		if !oob {
			kick = false
		}
		go func() {
			var (
				st  *api.SessionStatus
				err error
			)
			if oob {
				st, err = l.src.CheckConnection(ctx)
			} else {
				st, err = l.src.SessionStatus(ctx)
			}
			if k && err == nil && needsPairing(st) {
				if qr, qerr := l.src.QR(ctx); qerr != nil {
					l.logger.Warn("pairing request failed", "error", qerr)
				} else if qr != nil {
					st = qr
				}
			}
			select {
			case results <- pollResult{gen: g, oob: oob, status: st, err: err}:
			case <-ctx.Done():
			}
		}()
	}
	schedule := func() {
		tick = l.clock.After(l.opts.Interval)
		nextPollAt = l.clock.Now().Add(l.opts.Interval)
	}
	// pollNow cancels the timer. An in-flight poll is left to finish; a stale
	// one triggers the replacement poll when its result arrives.
	pollNow := func() {
		tick = nil
		if !inFlight {
			poll(false)
		}
	}
	restart := func() {
		gen++
		grace = nil
		kick = true
		l.machine.Reset()
		l.publish()
		pollNow()
	}

	poll(false)
	for {
		select {
		case <-ctx.Done():
			return

		case <-tick:
			tick = nil
			if !inFlight {
				poll(false)
			}

		case <-grace:
			grace = nil
			if l.machine.CheckAction(l.clock.Now(), nextPollAt, l.opts.ActionGrace) {
				l.publish()
			}

		case c := <-l.cmds:
			switch c.kind {
			case cmdRestart:
				restart()
			case cmdRefresh:
				if l.machine.state.Phase == PhaseError {
					restart()
				} else {
					pollNow()
				}
			case cmdAction:
				l.machine.BeginAction(c.action, l.clock.Now())
				l.publish()
				if c.action.Disconnects() {
					grace = l.clock.After(l.opts.ActionGrace)
				}
			}

		case r := <-results:
			inFlight = false
			if r.gen != gen {
				poll(false)
				continue
			}
			if r.oob {
				if r.err != nil {
					l.logger.Warn("out-of-band connection check failed", "error", r.err)
				} else if r.status != nil {
					l.machine.ObserveOutOfBand(*r.status)
					l.publish()
				}
				schedule()
				continue
			}

			checkDue := false
			if r.err != nil {
				l.logger.Debug("status poll failed", "error", r.err)
				l.machine.PollFailed(r.err)
			} else if r.status != nil {
				checkDue = l.machine.Observe(*r.status)
			}
			l.publish()

			if l.machine.state.Phase == PhaseError {
				l.logger.Warn("polling stopped", "error", l.machine.state.Err)
				tick = nil
				continue
			}
			if checkDue {
				poll(true)
				continue
			}
			schedule()
		}
	}
}

func needsPairing(st *api.SessionStatus) bool {
	if st == nil || st.AlreadyConnected {
		return false
	}
	return st.Status != waha.StatusWorking && st.Status != waha.StatusAwaitingPairing
}
