package ari

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lokutor-ai/ari-bridge/internal/bridgeerr"
)

// State is a CallSession's place in the call state machine.
type State string

const (
	StateInitializing  State = "INITIALIZING"
	StateActive        State = "ACTIVE"
	StateWaitInput     State = "WAIT_INPUT"
	StateProcessAudio  State = "PROCESS_AUDIO"
	StateGenResponse   State = "GEN_RESPONSE"
	StatePlayResponse  State = "PLAY_RESPONSE"
	StateEnded         State = "ENDED"
)

// TurnRole distinguishes a user turn from an assistant turn.
type TurnRole string

const (
	TurnUser      TurnRole = "user"
	TurnAssistant TurnRole = "assistant"
)

// Turn is one recorded exchange in the conversation.
type Turn struct {
	Role       TurnRole
	Duration   time.Duration
	Confidence float64 // only meaningful for TurnUser; 0 if unknown
	At         time.Time
}

// transitions enumerates every state's legal successors. ENDED has none:
// transitions from ENDED are always rejected.
var transitions = map[State]map[State]bool{
	StateInitializing: {StateActive: true, StateEnded: true},
	StateActive:        {StateWaitInput: true, StateEnded: true},
	StateWaitInput:     {StateProcessAudio: true, StateEnded: true},
	StateProcessAudio:  {StateGenResponse: true, StateWaitInput: true, StateEnded: true},
	StateGenResponse:   {StatePlayResponse: true, StateProcessAudio: true, StateEnded: true},
	StatePlayResponse:  {StateWaitInput: true, StateProcessAudio: true, StateEnded: true},
	StateEnded:         {},
}

// CallSession is the per-call aggregate: channel identity, state machine,
// turn history, and the bookkeeping the dispatcher needs to tear it down.
// RWMutex-guarded fields follow the teacher's ConversationSession pattern.
type CallSession struct {
	mu sync.RWMutex

	ID            string
	ChannelID     string
	CallerNumber  string
	CallerName    string
	CreatedAt     time.Time

	state          State
	channelState   string
	stateChangedAt time.Time

	turns                []Turn
	interruptionCount    int
	lastResponseID       string
	pendingAudioSince    time.Time
	lastErrorKind        bridgeerr.Kind

	// pendingAudio buffers inbound frames that arrive before the Live-API
	// setup handshake completes (resolved Open Question: bounded to
	// ~500ms so a slow setup never unbounds memory).
	pendingAudio [][]byte
}

const maxPendingAudioFrames = 25 // ~500ms at 20ms/frame

// NewCallSession creates a session for an inbound StasisStart.
func NewCallSession(channelID, callerNumber, callerName string) *CallSession {
	now := time.Now()
	return &CallSession{
		ID:             uuid.NewString(),
		ChannelID:      channelID,
		CallerNumber:   callerNumber,
		CallerName:     callerName,
		CreatedAt:      now,
		state:          StateInitializing,
		stateChangedAt: now,
	}
}

// State returns the session's current state.
func (s *CallSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transition moves the session to next, rejecting illegal transitions
// (including any transition attempted from ENDED).
func (s *CallSession) Transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEnded {
		return bridgeerr.New(bridgeerr.ProtocolViolation, "session already ended").WithSession(s.ID, s.ChannelID)
	}
	if !transitions[s.state][next] {
		return bridgeerr.New(bridgeerr.ProtocolViolation, fmt.Sprintf("illegal transition %s -> %s", s.state, next)).WithSession(s.ID, s.ChannelID)
	}
	s.state = next
	s.stateChangedAt = time.Now()
	return nil
}

// SetChannelState records the PBX-reported channel state annotation.
func (s *CallSession) SetChannelState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelState = state
}

// ChannelState returns the last-recorded channel state annotation.
func (s *CallSession) ChannelState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelState
}

// RecordTurn appends a completed turn to the conversation history.
func (s *CallSession) RecordTurn(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, t)
}

// Turns returns a copy of the recorded turn history.
func (s *CallSession) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// IncrementInterruptions bumps the barge-in counter and returns the new
// total.
func (s *CallSession) IncrementInterruptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptionCount++
	return s.interruptionCount
}

// SetLastResponseID records the response id the Live API is currently
// generating, so cancel_response has a target.
func (s *CallSession) SetLastResponseID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResponseID = id
}

// LastResponseID returns the response id currently in flight, if any.
func (s *CallSession) LastResponseID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastResponseID
}

// RecordError remembers the most recent error kind seen on this session.
func (s *CallSession) RecordError(kind bridgeerr.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErrorKind = kind
}

// BufferPendingAudio stores frame for later replay once Live-API setup
// completes, dropping the oldest frame if the bound is exceeded.
func (s *CallSession) BufferPendingAudio(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingAudioSince.IsZero() {
		s.pendingAudioSince = time.Now()
	}
	s.pendingAudio = append(s.pendingAudio, frame)
	if excess := len(s.pendingAudio) - maxPendingAudioFrames; excess > 0 {
		s.pendingAudio = s.pendingAudio[excess:]
	}
}

// DrainPendingAudio returns and clears any frames buffered before setup
// completed.
func (s *CallSession) DrainPendingAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pendingAudio
	s.pendingAudio = nil
	s.pendingAudioSince = time.Time{}
	return out
}

// Summary is logged once on StasisEnd, mirroring the original's
// _handle_session_ended summary logging.
type Summary struct {
	SessionID         string
	ChannelID         string
	Duration          time.Duration
	TotalTurns        int
	InterruptionCount int
	FinalState        State
}

// Summary snapshots the session for a final StasisEnd log line.
func (s *CallSession) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Summary{
		SessionID:         s.ID,
		ChannelID:         s.ChannelID,
		Duration:          time.Since(s.CreatedAt),
		TotalTurns:        len(s.turns),
		InterruptionCount: s.interruptionCount,
		FinalState:        s.state,
	}
}
