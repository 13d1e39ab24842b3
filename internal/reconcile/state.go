// ABOUTME: Connection state machine turning repeated status snapshots into a stable UI state
// ABOUTME: Monotonic connected phase, payload cache, sub-phase scoped poll budget

package reconcile

import (
	"errors"
	"time"

	"github.com/2389/wa-gateway/internal/api"
	"github.com/2389/wa-gateway/internal/pairing"
	"github.com/2389/wa-gateway/internal/waha"
)

// ErrPollingTimedOut is recorded when a pending sub-phase exhausts its poll budget.
var ErrPollingTimedOut = errors.New("timed out waiting for the session to pair")

// Phase is the user-visible connection phase.
type Phase string

// Phases.
const (
	PhaseLoading   Phase = "loading"
	PhasePending   Phase = "pending"
	PhaseConnected Phase = "connected"
	PhaseError     Phase = "error"
)

// SubPhase splits PhasePending.
type SubPhase string

// Pending sub-phases.
const (
	SubPhaseNone              SubPhase = ""
	SubPhaseWaitingForPayload SubPhase = "waiting-for-payload"
	SubPhaseHasPayload        SubPhase = "has-payload"
)

// RefreshPrompt is shown when a disconnecting action has not been observed yet.
type RefreshPrompt struct {
	Since      time.Time // when the action was issued
	NextPollAt time.Time // the countdown target
}

// Countdown returns the time left until the next scheduled poll.
func (r *RefreshPrompt) Countdown(now time.Time) time.Duration {
	if r == nil || !r.NextPollAt.After(now) {
		return 0
	}
	return r.NextPollAt.Sub(now)
}

// State is what a renderer needs to draw the connection screen.
type State struct {
	Phase    Phase
	SubPhase SubPhase
	Session  string
	Account  *waha.Account
	Payload  *pairing.Payload
	Err      error
	Polls    int // polls spent in the current sub-phase
	Refresh  *RefreshPrompt
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	if s.Account != nil {
		a := *s.Account
		out.Account = &a
	}
	if s.Payload != nil {
		p := *s.Payload
		out.Payload = &p
	}
	if s.Refresh != nil {
		r := *s.Refresh
		out.Refresh = &r
	}
	return out
}

// Machine holds the state and the bookkeeping behind it. It is not safe for
// concurrent use; the Loop owns one.
type Machine struct {
	state State

	maxPolls   int
	checkEvery int

	hasPayloadPolls int
	lastAccountID   string
	actionSince     time.Time
	actionPending   bool

	onConnected func(waha.Account)
}

// NewMachine returns a machine in PhaseLoading. onConnected may be nil.
func NewMachine(maxPolls, checkEvery int, onConnected func(waha.Account)) *Machine {
	if maxPolls <= 0 {
		maxPolls = 40
	}
	if checkEvery <= 0 {
		checkEvery = 3
	}
	return &Machine{
		state:       State{Phase: PhaseLoading},
		maxPolls:    maxPolls,
		checkEvery:  checkEvery,
		onConnected: onConnected,
	}
}

// State returns a copy of the current state.
func (m *Machine) State() State { return m.state.Clone() }

// Reset returns to PhaseLoading. The last seen account is kept so re-linking
// the same device does not notify again.
func (m *Machine) Reset() {
	m.state = State{Phase: PhaseLoading}
	m.hasPayloadPolls = 0
	m.actionPending = false
	m.actionSince = time.Time{}
}

// Observe applies one primary poll result. It reports whether an
// out-of-band connection check is due.
func (m *Machine) Observe(st api.SessionStatus) bool {
	if m.state.Phase == PhaseError {
		return false
	}
	if st.Session != "" {
		m.state.Session = st.Session
	}

	if st.Status == waha.StatusWorking || st.AlreadyConnected {
		m.connect(st.Account)
		return false
	}

	if m.state.Phase == PhaseConnected && !m.actionPending {
		// Stale or flapping snapshot; connected only leaves on a user action.
		return false
	}
	if m.state.Phase == PhaseConnected {
		m.state.Account = nil
		m.state.Refresh = nil
		m.actionPending = false
	}

	m.state.Phase = PhasePending
	m.state.Err = nil

	sub := SubPhaseWaitingForPayload
	switch {
	case validPayload(st.QR):
		sub = SubPhaseHasPayload
		p := *st.QR
		m.state.Payload = &p
	case st.Status == waha.StatusAwaitingPairing && m.state.SubPhase == SubPhaseHasPayload && m.state.Payload != nil:
		// Gateway omitted a payload it already issued; keep showing the cached one.
		sub = SubPhaseHasPayload
	default:
		m.state.Payload = nil
	}

	if sub != m.state.SubPhase {
		m.state.SubPhase = sub
		m.state.Polls = 0
		m.hasPayloadPolls = 0
	}
	return m.count()
}

// PollFailed records a failed primary poll. It spends budget like any other poll.
func (m *Machine) PollFailed(err error) {
	if m.state.Phase == PhaseError || m.state.Phase == PhaseConnected {
		return
	}
	m.state.Err = err
	m.count()
}

// ObserveOutOfBand applies a direct status probe. Only a connection is acted on;
// the primary poll stays authoritative for everything else.
func (m *Machine) ObserveOutOfBand(st api.SessionStatus) {
	if m.state.Phase == PhaseError {
		return
	}
	if st.Status == waha.StatusWorking {
		m.connect(st.Account)
	}
}

// BeginAction records a user-initiated command. Disconnecting actions let the
// connected phase be left by the next non-working snapshot.
func (m *Machine) BeginAction(a api.Action, now time.Time) {
	if !a.Disconnects() || m.state.Phase != PhaseConnected {
		return
	}
	m.actionPending = true
	m.actionSince = now
	m.state.Refresh = nil
}

// CheckAction surfaces the refresh prompt when a disconnecting action has been
// outstanding for at least grace without leaving PhaseConnected.
func (m *Machine) CheckAction(now, nextPollAt time.Time, grace time.Duration) bool {
	if !m.actionPending || m.state.Phase != PhaseConnected {
		return false
	}
	if now.Sub(m.actionSince) < grace {
		return false
	}
	m.state.Refresh = &RefreshPrompt{Since: m.actionSince, NextPollAt: nextPollAt}
	return true
}

func (m *Machine) connect(acct *waha.Account) {
	if m.state.Phase == PhaseConnected && acct == nil {
		return
	}
	m.state.Phase = PhaseConnected
	m.state.SubPhase = SubPhaseNone
	m.state.Payload = nil
	m.state.Err = nil
	m.state.Polls = 0
	m.hasPayloadPolls = 0
	if acct == nil {
		return
	}
	a := *acct
	m.state.Account = &a
	if a.ID != "" && a.ID != m.lastAccountID {
		m.lastAccountID = a.ID
		m.state.Refresh = nil
		m.actionPending = false
		if m.onConnected != nil {
			m.onConnected(a)
		}
	}
}

// count spends one poll of budget and reports whether an out-of-band check is due.
func (m *Machine) count() bool {
	m.state.Polls++
	if m.state.Polls >= m.maxPolls {
		m.state.Phase = PhaseError
		m.state.Err = ErrPollingTimedOut
		return false
	}
	if m.state.SubPhase != SubPhaseHasPayload {
		return false
	}
	m.hasPayloadPolls++
	return m.hasPayloadPolls%m.checkEvery == 0
}

func validPayload(p *pairing.Payload) bool {
	return p != nil && len(p.Value) >= pairing.MinPayloadLength
}
