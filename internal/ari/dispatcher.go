package ari

import (
	"context"
	"sync"
	"time"

	"github.com/lokutor-ai/ari-bridge/internal/audiocodec"
	"github.com/lokutor-ai/ari-bridge/internal/bridgeerr"
	"github.com/lokutor-ai/ari-bridge/internal/liveapi"
	"github.com/lokutor-ai/ari-bridge/internal/logging"
)

const (
	externalMediaArrivalTimeout = 10 * time.Second
	endedSessionRetention       = 30 * time.Second
	sweepInterval               = 10 * time.Second

	// defaultRateLimitPause is used when a rate-limit error arrives with no
	// (or a non-positive) retry-after duration attached.
	defaultRateLimitPause = 1 * time.Second
)

// RestAPI is the subset of RESTClient the dispatcher calls, narrowed to an
// interface so tests can substitute a fake and so callers outside this
// package can reference the dependency type.
type RestAPI interface {
	AnswerChannel(ctx context.Context, channelID string) error
	StartExternalMedia(ctx context.Context, channelID, app, externalHost string) error
	HangupChannel(ctx context.Context, channelID string) error
}

// MediaServer is the subset of media.Server the dispatcher calls.
type MediaServer interface {
	SendAudioToChannel(channelID string, frame []byte) bool
	ClearOutbound(channelID string)
	IsRegistered(channelID string) bool
	CloseChannel(channelID string)
}

// LiveAPIClient is the subset of liveapi.Client the dispatcher calls and
// listens on, narrowed to an interface so each session's client (and
// tests) can be swapped independently.
type LiveAPIClient interface {
	Connect(ctx context.Context) error
	Close() error
	AppendAudio(ctx context.Context, frame []byte) error
	CommitInput(ctx context.Context) error
	ClearInput(ctx context.Context) error
	CreateResponse(ctx context.Context, responseID string) error
	CancelResponse(ctx context.Context, responseID string) error

	OnSessionCreated(func(liveapi.Event))
	OnSpeechStarted(func(liveapi.Event))
	OnSpeechStopped(func(liveapi.Event))
	OnResponseCreated(func(liveapi.Event))
	OnAudioDelta(func(liveapi.Event))
	OnAudioDone(func(liveapi.Event))
	OnTextDelta(func(liveapi.Event))
	OnTextDone(func(liveapi.Event))
	OnError(func(liveapi.Event))
	OnDisconnected(func(liveapi.Event))
}

// DispatcherConfig holds the dispatcher's call-handling policy, separate from the
// ambient internal/config.Config so this package stays decoupled from
// viper.
type DispatcherConfig struct {
	StasisApp                  string
	ExternalMediaHost          string
	AutoAnswerCalls            bool
	MaxCallDuration            time.Duration
	EnableInterruptionHandling bool
	TurnDetection              TurnDetectionPolicy
	DisconnectPolicy           DisconnectPolicy
	VAD                        audiocodec.Config
}

// TurnDetectionPolicy mirrors internal/config.TurnDetectionPolicy without
// importing it, keeping this package's dependency direction inward-only.
type TurnDetectionPolicy string

const (
	TurnDetectionClient TurnDetectionPolicy = "client"
	TurnDetectionServer TurnDetectionPolicy = "server"
)

// DisconnectPolicy mirrors internal/config.DisconnectPolicy, same reason.
type DisconnectPolicy string

const (
	DisconnectTerminate DisconnectPolicy = "terminate"
	DisconnectKeep      DisconnectPolicy = "keep"
)

// runtime bundles a CallSession with the per-call resources the
// dispatcher owns on its behalf: its own VAD instance and its own
// Live-API client (1:1 per spec.md §3).
type runtime struct {
	session   *CallSession
	vad       *audiocodec.VAD
	live      LiveAPIClient
	ctx       context.Context
	cancel    context.CancelFunc

	frameMu       sync.Mutex
	turnFrames    int
	turnStart     time.Time
	responseStart time.Time
	endedAt       time.Time

	pauseMu     sync.Mutex
	pausedUntil time.Time
}

// pauseOutbound extends (never shortens) the window during which outbound
// Live-API ops are held back, per a rate-limit error's indicated duration.
func (rt *runtime) pauseOutbound(d time.Duration) {
	rt.pauseMu.Lock()
	defer rt.pauseMu.Unlock()
	if until := time.Now().Add(d); until.After(rt.pausedUntil) {
		rt.pausedUntil = until
	}
}

// outboundPaused reports whether a rate-limit pause is still in effect.
func (rt *runtime) outboundPaused() bool {
	rt.pauseMu.Lock()
	defer rt.pauseMu.Unlock()
	return time.Now().Before(rt.pausedUntil)
}

// Dispatcher consumes ARI events, drives the per-call state machine, and
// wires C1 (VAD), C3 (Live API), and C4 (external media) together for
// every active call. One Dispatcher serves the whole process; one runtime
// per active channel.
type Dispatcher struct {
	cfg    DispatcherConfig
	rest   RestAPI
	media  MediaServer
	logger logging.Logger

	newLiveClient func() LiveAPIClient

	mu       sync.Mutex
	sessions map[string]*runtime
}

// NewDispatcher builds a Dispatcher. newLiveClient is called once per
// StasisStart to obtain that call's dedicated Live-API client.
func NewDispatcher(cfg DispatcherConfig, rest RestAPI, media MediaServer, newLiveClient func() LiveAPIClient, logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Dispatcher{
		cfg:           cfg,
		rest:          rest,
		media:         media,
		newLiveClient: newLiveClient,
		logger:        logger,
		sessions:      make(map[string]*runtime),
	}
}

// HandleEvent ingests a single ARI event. Per-event-handler exceptions are
// isolated: a panic inside a handler is recovered and reported as
// {status:error} rather than crashing the dispatcher.
func (d *Dispatcher) HandleEvent(ctx context.Context, payload []byte) (result HandleResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("ari: event handler panicked", "recovered", r)
			result = HandleResult{Status: StatusError, Message: "handler panic"}
		}
	}()

	ev, err := ParseEvent(payload)
	if err != nil {
		return HandleResult{Status: StatusError, Message: "malformed event: " + err.Error()}
	}

	switch EventType(ev.Type) {
	case EventStasisStart:
		return d.handleStasisStart(ctx, ev)
	case EventStasisEnd:
		return d.handleStasisEnd(ctx, ev.Channel.ID)
	case EventChannelStateChange:
		return d.handleChannelStateChange(ev)
	case EventChannelHangupReq:
		return d.handleStasisEnd(ctx, ev.Channel.ID)
	default:
		d.logger.Debug("ari: ignored event type", "type", ev.Type)
		return HandleResult{Status: StatusIgnored, Message: ev.Type}
	}
}

func (d *Dispatcher) handleStasisStart(ctx context.Context, ev RawEvent) HandleResult {
	channelID := ev.Channel.ID

	d.mu.Lock()
	if _, exists := d.sessions[channelID]; exists {
		d.mu.Unlock()
		return HandleResult{Status: StatusIgnored, Message: "session already active for channel"}
	}
	d.mu.Unlock()

	session := NewCallSession(channelID, ev.Channel.Caller.Number, ev.Channel.Caller.Name)
	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runtime{
		session: session,
		vad:     audiocodec.NewVAD(d.cfg.VAD),
		live:    d.newLiveClient(),
		ctx:     runCtx,
		cancel:  cancel,
	}
	d.wireLiveAPI(rt)

	d.mu.Lock()
	d.sessions[channelID] = rt
	d.mu.Unlock()

	if err := rt.live.Connect(runCtx); err != nil {
		d.logger.Error("ari: live api connect failed", "channel_id", channelID, "err", err)
		d.endSession(ctx, rt, bridgeerr.NetworkUnavailable)
		return HandleResult{Status: StatusError, Message: "live api connect failed"}
	}

	if d.cfg.AutoAnswerCalls {
		if err := d.rest.AnswerChannel(ctx, channelID); err != nil {
			// Some PBXs answer implicitly; log and keep the session per
			// the spec's REST failure semantics.
			d.logger.Warn("ari: answer failed, continuing", "channel_id", channelID, "err", err)
		}
	}
	if err := d.rest.StartExternalMedia(ctx, channelID, d.cfg.StasisApp, d.cfg.ExternalMediaHost); err != nil {
		d.logger.Warn("ari: externalMedia request failed, continuing", "channel_id", channelID, "err", err)
	}

	if err := session.Transition(StateActive); err != nil {
		d.logger.Error("ari: transition to ACTIVE failed", "channel_id", channelID, "err", err)
	}

	go d.watchExternalMediaArrival(ctx, rt)
	go d.watchMaxCallDuration(ctx, rt)

	return HandleResult{Status: StatusHandled, Action: "session_started"}
}

func (d *Dispatcher) handleStasisEnd(ctx context.Context, channelID string) HandleResult {
	d.mu.Lock()
	rt, ok := d.sessions[channelID]
	d.mu.Unlock()
	if !ok {
		return HandleResult{Status: StatusIgnored, Message: "no active session for channel"}
	}
	if rt.session.State() == StateEnded {
		// Double StasisEnd for the same channel is idempotent: the ended
		// session stays in the map until Sweep evicts it.
		return HandleResult{Status: StatusIgnored, Message: "session already ended for channel"}
	}
	d.endSession(ctx, rt, "")
	return HandleResult{Status: StatusHandled, Action: "session_ended"}
}

func (d *Dispatcher) handleChannelStateChange(ev RawEvent) HandleResult {
	d.mu.Lock()
	rt, ok := d.sessions[ev.Channel.ID]
	d.mu.Unlock()
	if !ok {
		return HandleResult{Status: StatusIgnored, Message: "no active session for channel"}
	}
	rt.session.SetChannelState(ev.Channel.State)
	return HandleResult{Status: StatusHandled, Action: "channel_state_updated"}
}

// endSession unconditionally tears down rt: cancels pending responses and
// closes the Live-API and external-media connections (closing the Live-API
// client ends event delivery to its listeners). The ENDED session stays in
// the map for stats until Sweep evicts it after endedSessionRetention.
func (d *Dispatcher) endSession(ctx context.Context, rt *runtime, reasonKind bridgeerr.Kind) {
	_ = rt.session.Transition(StateEnded) // idempotent: already-ended sessions reject silently

	if responseID := rt.session.LastResponseID(); responseID != "" {
		_ = rt.live.CancelResponse(ctx, responseID)
	}
	rt.live.Close()
	d.media.CloseChannel(rt.session.ChannelID)
	rt.cancel()

	if reasonKind != "" {
		rt.session.RecordError(reasonKind)
		// We are initiating the teardown (timeout, startup failure, shutdown);
		// the PBX hasn't necessarily hung up the channel itself yet.
		_ = d.rest.HangupChannel(ctx, rt.session.ChannelID)
	}

	rt.frameMu.Lock()
	rt.endedAt = time.Now()
	rt.frameMu.Unlock()

	summary := rt.session.Summary()
	d.logger.Info("ari: session ended",
		"session_id", summary.SessionID,
		"channel_id", summary.ChannelID,
		"duration", summary.Duration,
		"total_turns", summary.TotalTurns,
		"interruptions", summary.InterruptionCount,
	)
}

// Sweep evicts sessions that have been ENDED for longer than
// endedSessionRetention. Intended to run on a periodic ticker.
func (d *Dispatcher) Sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, rt := range d.sessions {
		rt.frameMu.Lock()
		endedAt := rt.endedAt
		rt.frameMu.Unlock()
		if !endedAt.IsZero() && time.Since(endedAt) > endedSessionRetention {
			delete(d.sessions, id)
		}
	}
}

// RunSweeper blocks running Sweep every sweepInterval until ctx is
// cancelled.
func (d *Dispatcher) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// Shutdown ends every active session; used on global shutdown.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	all := make([]*runtime, 0, len(d.sessions))
	for _, rt := range d.sessions {
		if rt.session.State() == StateEnded {
			continue
		}
		all = append(all, rt)
	}
	d.mu.Unlock()

	for _, rt := range all {
		d.endSession(ctx, rt, bridgeerr.Cancelled)
	}
}

func (d *Dispatcher) watchExternalMediaArrival(ctx context.Context, rt *runtime) {
	timer := time.NewTimer(externalMediaArrivalTimeout)
	defer timer.Stop()
	select {
	case <-rt.ctx.Done():
		return
	case <-timer.C:
		if !d.media.IsRegistered(rt.session.ChannelID) {
			d.logger.Warn("ari: no external media arrived in time, ending session", "channel_id", rt.session.ChannelID)
			d.endSession(ctx, rt, bridgeerr.TimeoutExceeded)
		}
	}
}

func (d *Dispatcher) watchMaxCallDuration(ctx context.Context, rt *runtime) {
	maxDuration := d.cfg.MaxCallDuration
	if maxDuration <= 0 {
		maxDuration = 3600 * time.Second
	}
	timer := time.NewTimer(maxDuration)
	defer timer.Stop()
	select {
	case <-rt.ctx.Done():
		return
	case <-timer.C:
		d.logger.Info("ari: max call duration exceeded", "channel_id", rt.session.ChannelID)
		d.endSession(ctx, rt, bridgeerr.TimeoutExceeded)
	}
}

// OnInboundFrame is wired as the external-media server's OnInboundFrame
// callback: process_frame then append_audio, in arrival order (invariant
// #6), buffering ahead of Live-API setup completion if needed.
func (d *Dispatcher) OnInboundFrame(channelID string, frame []byte) {
	d.mu.Lock()
	rt, ok := d.sessions[channelID]
	d.mu.Unlock()
	if !ok {
		return
	}

	result := rt.vad.ProcessFrame(frame, time.Now())

	if rt.session.State() == StateInitializing {
		rt.session.BufferPendingAudio(frame)
		return
	}

	if rt.outboundPaused() {
		d.logger.Debug("ari: outbound paused by rate limit, dropping append_audio", "channel_id", channelID)
	} else if err := rt.live.AppendAudio(rt.ctx, frame); err != nil {
		d.logger.Warn("ari: append_audio failed", "channel_id", channelID, "err", err)
	}
	rt.frameMu.Lock()
	rt.turnFrames++
	if rt.turnFrames == 1 {
		rt.turnStart = time.Now()
	}
	rt.frameMu.Unlock()

	d.handleLocalVADTransition(rt, result)
}

// OnConnectionEstablished is wired as the external-media server's
// callback: flush any audio buffered while Live-API setup was pending.
func (d *Dispatcher) OnConnectionEstablished(channelID string) {
	d.mu.Lock()
	rt, ok := d.sessions[channelID]
	d.mu.Unlock()
	if !ok {
		return
	}
	if rt.session.State() == StateActive {
		_ = rt.session.Transition(StateWaitInput)
	}
	for _, frame := range rt.session.DrainPendingAudio() {
		_ = rt.live.AppendAudio(rt.ctx, frame)
	}
}

// OnConnectionLost is wired as the external-media server's callback. It
// only logs the loss; the session's state and pending turn are left as
// they are.
func (d *Dispatcher) OnConnectionLost(channelID string) {
	d.logger.Debug("ari: external media connection lost", "channel_id", channelID)
}

func (d *Dispatcher) handleLocalVADTransition(rt *runtime, result audiocodec.VadResult) {
	if d.cfg.TurnDetection != TurnDetectionClient {
		return
	}

	state := rt.session.State()

	if result.IsSpeaking {
		if state == StateGenResponse || state == StatePlayResponse {
			d.interrupt(rt)
			return
		}
		if state == StateWaitInput {
			_ = rt.session.Transition(StateProcessAudio)
		}
		return
	}

	// Speech just stopped: commit the turn if we were processing audio.
	if state == StateProcessAudio {
		d.commitTurn(rt)
	}
}

// commitTurn records the user turn and asks the Live API to generate a
// response.
func (d *Dispatcher) commitTurn(rt *runtime) {
	rt.frameMu.Lock()
	frames := rt.turnFrames
	start := rt.turnStart
	rt.turnFrames = 0
	rt.turnStart = time.Time{}
	rt.frameMu.Unlock()

	if frames > 0 {
		rt.session.RecordTurn(Turn{
			Role:     TurnUser,
			Duration: time.Duration(frames) * 20 * time.Millisecond,
			At:       start,
		})
	}

	if rt.outboundPaused() {
		d.logger.Warn("ari: outbound paused by rate limit, deferring commit_input", "channel_id", rt.session.ChannelID)
		return
	}

	if err := rt.live.CommitInput(rt.ctx); err != nil {
		d.logger.Warn("ari: commit_input failed", "channel_id", rt.session.ChannelID, "err", err)
		return
	}
	responseID := rt.session.ChannelID + "-" + time.Now().Format("150405.000000000")
	rt.session.SetLastResponseID(responseID)
	rt.frameMu.Lock()
	rt.responseStart = time.Now()
	rt.frameMu.Unlock()
	if err := rt.live.CreateResponse(rt.ctx, responseID); err != nil {
		d.logger.Warn("ari: create_response failed", "channel_id", rt.session.ChannelID, "err", err)
		return
	}
	_ = rt.session.Transition(StateGenResponse)
}

// interrupt implements the spec's interruption handling: cancel the
// in-flight response, clear the outbound media queue, bump the counter,
// and fall back to PROCESS_AUDIO so the new speech is captured.
func (d *Dispatcher) interrupt(rt *runtime) {
	if !d.cfg.EnableInterruptionHandling {
		return
	}
	if responseID := rt.session.LastResponseID(); responseID != "" {
		_ = rt.live.CancelResponse(rt.ctx, responseID)
	}
	d.media.ClearOutbound(rt.session.ChannelID)
	rt.session.IncrementInterruptions()
	_ = rt.session.Transition(StateProcessAudio)
}

func (d *Dispatcher) wireLiveAPI(rt *runtime) {
	rt.live.OnSessionCreated(func(liveapi.Event) {
		d.logger.Debug("live api: session created", "channel_id", rt.session.ChannelID)
	})

	rt.live.OnSpeechStarted(func(liveapi.Event) {
		if d.cfg.TurnDetection != TurnDetectionServer {
			return
		}
		state := rt.session.State()
		if state == StateGenResponse || state == StatePlayResponse {
			d.interrupt(rt)
		} else if state == StateWaitInput {
			_ = rt.session.Transition(StateProcessAudio)
		}
	})

	rt.live.OnSpeechStopped(func(liveapi.Event) {
		if d.cfg.TurnDetection != TurnDetectionServer {
			return
		}
		if rt.session.State() == StateProcessAudio {
			d.commitTurn(rt)
		}
	})

	rt.live.OnResponseCreated(func(ev liveapi.Event) {
		rt.session.SetLastResponseID(ev.ResponseID)
	})

	rt.live.OnAudioDelta(func(ev liveapi.Event) {
		state := rt.session.State()
		if state != StateGenResponse && state != StatePlayResponse {
			// Interruption already moved us out of generation/playback
			// (or none was ever in progress): a late delta for a
			// cancelled response must not reach the caller.
			return
		}
		if responseID := rt.session.LastResponseID(); ev.ResponseID != "" && responseID != "" && ev.ResponseID != responseID {
			return
		}
		if state == StateGenResponse {
			_ = rt.session.Transition(StatePlayResponse)
		}
		d.media.SendAudioToChannel(rt.session.ChannelID, ev.Audio)
	})

	rt.live.OnAudioDone(func(liveapi.Event) {
		rt.frameMu.Lock()
		started := rt.responseStart
		rt.responseStart = time.Time{}
		rt.frameMu.Unlock()
		var elapsed time.Duration
		if !started.IsZero() {
			elapsed = time.Since(started)
		}
		rt.session.RecordTurn(Turn{Role: TurnAssistant, Duration: elapsed, At: time.Now()})
		if rt.session.State() == StatePlayResponse {
			_ = rt.session.Transition(StateWaitInput)
		}
	})

	rt.live.OnTextDelta(func(liveapi.Event) {})
	rt.live.OnTextDone(func(liveapi.Event) {})

	rt.live.OnError(func(ev liveapi.Event) {
		d.logger.Error("live api: error event", "channel_id", rt.session.ChannelID, "code", ev.ErrorCode, "message", ev.ErrorMessage, "subkind", ev.Subkind)
		rt.session.RecordError(bridgeerr.LiveApiError)

		if ev.Subkind == string(bridgeerr.SubkindRateLimit) {
			pause := time.Duration(ev.RetryAfterMs) * time.Millisecond
			if pause <= 0 {
				pause = defaultRateLimitPause
			}
			rt.pauseOutbound(pause)
			d.logger.Warn("ari: pausing outbound ops for rate limit", "channel_id", rt.session.ChannelID, "pause", pause)
		}
	})

	rt.live.OnDisconnected(func(liveapi.Event) {
		d.logger.Warn("live api: disconnected", "channel_id", rt.session.ChannelID)
		rt.session.RecordError(bridgeerr.NetworkUnavailable)

		policy := d.cfg.DisconnectPolicy
		if policy == "" {
			policy = DisconnectTerminate
		}
		if policy == DisconnectTerminate {
			d.endSession(context.Background(), rt, bridgeerr.NetworkUnavailable)
		}
		// DisconnectKeep: leave the session as-is; it waits for an external
		// reconnect (or the max-call-duration timer) to resolve it.
	})
}
