package ari

import (
	"context"
	"testing"
	"time"

	"github.com/lokutor-ai/ari-bridge/internal/audiocodec"
	"github.com/lokutor-ai/ari-bridge/internal/liveapi"
)

type fakeRest struct {
	answered      []string
	mediaStarted  []string
	hungup        []string
	answerErr     error
}

func (f *fakeRest) AnswerChannel(ctx context.Context, channelID string) error {
	f.answered = append(f.answered, channelID)
	return f.answerErr
}
func (f *fakeRest) StartExternalMedia(ctx context.Context, channelID, app, host string) error {
	f.mediaStarted = append(f.mediaStarted, channelID)
	return nil
}
func (f *fakeRest) HangupChannel(ctx context.Context, channelID string) error {
	f.hungup = append(f.hungup, channelID)
	return nil
}

type fakeMedia struct {
	registered map[string]bool
	sent       map[string][][]byte
	cleared    []string
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{registered: map[string]bool{}, sent: map[string][][]byte{}}
}
func (f *fakeMedia) SendAudioToChannel(channelID string, frame []byte) bool {
	f.sent[channelID] = append(f.sent[channelID], frame)
	return true
}
func (f *fakeMedia) ClearOutbound(channelID string) { f.cleared = append(f.cleared, channelID) }
func (f *fakeMedia) IsRegistered(channelID string) bool { return f.registered[channelID] }
func (f *fakeMedia) CloseChannel(channelID string)      { delete(f.registered, channelID) }

type fakeLiveClient struct {
	connected      bool
	connectErr     error
	appended       int
	committed      int
	created        []string
	cancelled      []string

	onSpeechStart  []func(liveapi.Event)
	onSpeechStop   []func(liveapi.Event)
	onAudioDelta   []func(liveapi.Event)
	onAudioDone    []func(liveapi.Event)
	onResponse     []func(liveapi.Event)
	onError        []func(liveapi.Event)
	onDisconnected []func(liveapi.Event)
}

func (f *fakeLiveClient) fireDisconnected() {
	for _, fn := range f.onDisconnected {
		fn(liveapi.Event{Type: liveapi.EventDisconnected})
	}
}

func (f *fakeLiveClient) fireError(ev liveapi.Event) {
	for _, fn := range f.onError {
		fn(ev)
	}
}

func (f *fakeLiveClient) fireAudioDelta(ev liveapi.Event) {
	for _, fn := range f.onAudioDelta {
		fn(ev)
	}
}

func (f *fakeLiveClient) Connect(ctx context.Context) error { f.connected = f.connectErr == nil; return f.connectErr }
func (f *fakeLiveClient) Close() error                      { f.connected = false; return nil }
func (f *fakeLiveClient) AppendAudio(ctx context.Context, frame []byte) error {
	f.appended++
	return nil
}
func (f *fakeLiveClient) CommitInput(ctx context.Context) error { f.committed++; return nil }
func (f *fakeLiveClient) ClearInput(ctx context.Context) error  { return nil }
func (f *fakeLiveClient) CreateResponse(ctx context.Context, id string) error {
	f.created = append(f.created, id)
	return nil
}
func (f *fakeLiveClient) CancelResponse(ctx context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}
func (f *fakeLiveClient) OnSessionCreated(fn func(liveapi.Event))  {}
func (f *fakeLiveClient) OnSpeechStarted(fn func(liveapi.Event))   { f.onSpeechStart = append(f.onSpeechStart, fn) }
func (f *fakeLiveClient) OnSpeechStopped(fn func(liveapi.Event))   { f.onSpeechStop = append(f.onSpeechStop, fn) }
func (f *fakeLiveClient) OnResponseCreated(fn func(liveapi.Event)) { f.onResponse = append(f.onResponse, fn) }
func (f *fakeLiveClient) OnAudioDelta(fn func(liveapi.Event))      { f.onAudioDelta = append(f.onAudioDelta, fn) }
func (f *fakeLiveClient) OnAudioDone(fn func(liveapi.Event))       { f.onAudioDone = append(f.onAudioDone, fn) }
func (f *fakeLiveClient) OnTextDelta(fn func(liveapi.Event))       {}
func (f *fakeLiveClient) OnTextDone(fn func(liveapi.Event))        {}
func (f *fakeLiveClient) OnError(fn func(liveapi.Event)) { f.onError = append(f.onError, fn) }
func (f *fakeLiveClient) OnDisconnected(fn func(liveapi.Event)) {
	f.onDisconnected = append(f.onDisconnected, fn)
}

func newTestDispatcher(live *fakeLiveClient, rest *fakeRest, media *fakeMedia) *Dispatcher {
	return NewDispatcher(DispatcherConfig{
		StasisApp:                  "voice-bridge",
		ExternalMediaHost:          "0.0.0.0",
		AutoAnswerCalls:            true,
		MaxCallDuration:            time.Hour,
		EnableInterruptionHandling: true,
		TurnDetection:              TurnDetectionClient,
		DisconnectPolicy:           DisconnectTerminate,
		VAD:                        audiocodec.Config{SpeechHold: 0, SilenceHold: 10 * time.Millisecond},
	}, rest, media, func() LiveAPIClient { return live }, nil)
}

func stasisStartPayload(channelID string) []byte {
	return []byte(`{"type":"StasisStart","channel":{"id":"` + channelID + `","caller":{"number":"+15551234"}}}`)
}

func TestHandleStasisStartCreatesSession(t *testing.T) {
	live := &fakeLiveClient{}
	rest := &fakeRest{}
	media := newFakeMedia()
	d := newTestDispatcher(live, rest, media)

	result := d.HandleEvent(context.Background(), stasisStartPayload("ch-1"))
	if result.Status != StatusHandled {
		t.Fatalf("expected handled, got %+v", result)
	}
	if len(rest.answered) != 1 || rest.answered[0] != "ch-1" {
		t.Fatalf("expected AnswerChannel to be called for ch-1, got %v", rest.answered)
	}
	if len(rest.mediaStarted) != 1 {
		t.Fatalf("expected StartExternalMedia to be called")
	}

	d.mu.Lock()
	rt := d.sessions["ch-1"]
	d.mu.Unlock()
	if rt == nil || rt.session.State() != StateActive {
		t.Fatalf("expected session in ACTIVE state")
	}
}

func TestDuplicateStasisStartIgnored(t *testing.T) {
	live := &fakeLiveClient{}
	d := newTestDispatcher(live, &fakeRest{}, newFakeMedia())

	d.HandleEvent(context.Background(), stasisStartPayload("ch-1"))
	result := d.HandleEvent(context.Background(), stasisStartPayload("ch-1"))
	if result.Status != StatusIgnored {
		t.Fatalf("expected duplicate StasisStart to be ignored, got %+v", result)
	}
}

func TestStasisEndIsIdempotent(t *testing.T) {
	live := &fakeLiveClient{}
	d := newTestDispatcher(live, &fakeRest{}, newFakeMedia())

	d.HandleEvent(context.Background(), stasisStartPayload("ch-1"))
	end := []byte(`{"type":"StasisEnd","channel":{"id":"ch-1"}}`)

	r1 := d.HandleEvent(context.Background(), end)
	r2 := d.HandleEvent(context.Background(), end)
	if r1.Status != StatusHandled {
		t.Fatalf("expected first StasisEnd to be handled")
	}
	if r2.Status != StatusIgnored {
		t.Fatalf("expected second StasisEnd to be ignored (idempotent), got %+v", r2)
	}
}

func TestInboundFrameAppendsAudioAndCommitsOnSilence(t *testing.T) {
	live := &fakeLiveClient{}
	media := newFakeMedia()
	d := newTestDispatcher(live, &fakeRest{}, media)

	d.HandleEvent(context.Background(), stasisStartPayload("ch-1"))
	d.OnConnectionEstablished("ch-1")

	loud := make([]byte, 320*2)
	for i := 0; i < len(loud); i += 2 {
		loud[i+1] = 0x40
	}
	quiet := make([]byte, 320*2)

	d.OnInboundFrame("ch-1", loud)
	time.Sleep(5 * time.Millisecond)
	d.OnInboundFrame("ch-1", quiet)
	time.Sleep(15 * time.Millisecond)
	d.OnInboundFrame("ch-1", quiet)

	if live.appended == 0 {
		t.Fatalf("expected append_audio to be called")
	}
	if live.committed == 0 {
		t.Fatalf("expected commit_input to be called once speech stopped")
	}
	if len(live.created) == 0 {
		t.Fatalf("expected create_response to be called")
	}
}

func TestInterruptionDuringPlayResponse(t *testing.T) {
	live := &fakeLiveClient{}
	media := newFakeMedia()
	d := newTestDispatcher(live, &fakeRest{}, media)

	d.HandleEvent(context.Background(), stasisStartPayload("ch-1"))
	d.OnConnectionEstablished("ch-1")

	d.mu.Lock()
	rt := d.sessions["ch-1"]
	d.mu.Unlock()
	_ = rt.session.Transition(StateProcessAudio)
	_ = rt.session.Transition(StateGenResponse)
	rt.session.SetLastResponseID("resp-1")
	_ = rt.session.Transition(StatePlayResponse)

	loud := make([]byte, 320*2)
	for i := 0; i < len(loud); i += 2 {
		loud[i+1] = 0x40
	}
	d.OnInboundFrame("ch-1", loud)

	if len(live.cancelled) == 0 || live.cancelled[0] != "resp-1" {
		t.Fatalf("expected cancel_response to be called with resp-1, got %v", live.cancelled)
	}
	if len(media.cleared) == 0 {
		t.Fatalf("expected ClearOutbound to be called on interruption")
	}
	if rt.session.State() != StateProcessAudio {
		t.Fatalf("expected session to fall back to PROCESS_AUDIO, got %s", rt.session.State())
	}
}

func TestAudioDeltaNotForwardedAfterInterruption(t *testing.T) {
	live := &fakeLiveClient{}
	media := newFakeMedia()
	d := newTestDispatcher(live, &fakeRest{}, media)

	d.HandleEvent(context.Background(), stasisStartPayload("ch-1"))
	d.OnConnectionEstablished("ch-1")

	d.mu.Lock()
	rt := d.sessions["ch-1"]
	d.mu.Unlock()
	_ = rt.session.Transition(StateProcessAudio)
	_ = rt.session.Transition(StateGenResponse)
	rt.session.SetLastResponseID("r1")
	_ = rt.session.Transition(StatePlayResponse)

	loud := make([]byte, 320*2)
	for i := 0; i < len(loud); i += 2 {
		loud[i+1] = 0x40
	}
	d.OnInboundFrame("ch-1", loud) // triggers interrupt(): cancel r1, -> PROCESS_AUDIO

	live.fireAudioDelta(liveapi.Event{Type: liveapi.EventAudioDelta, ResponseID: "r1", Audio: []byte{1, 2, 3}})

	if len(media.sent["ch-1"]) != 0 {
		t.Fatalf("expected no audio forwarded for a cancelled response, got %d frames", len(media.sent["ch-1"]))
	}
}

func TestDisconnectTerminatesSessionAndHangsUpChannel(t *testing.T) {
	live := &fakeLiveClient{}
	rest := &fakeRest{}
	d := newTestDispatcher(live, rest, newFakeMedia())

	d.HandleEvent(context.Background(), stasisStartPayload("ch-1"))

	d.mu.Lock()
	rt := d.sessions["ch-1"]
	d.mu.Unlock()

	live.fireDisconnected()

	if rt.session.State() != StateEnded {
		t.Fatalf("expected disconnect under terminate policy to end the session, got %s", rt.session.State())
	}
	found := false
	for _, id := range rest.hungup {
		if id == "ch-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected HangupChannel to be called for ch-1, got %v", rest.hungup)
	}
}

func TestDisconnectKeepsSessionUnderKeepPolicy(t *testing.T) {
	live := &fakeLiveClient{}
	rest := &fakeRest{}
	d := NewDispatcher(DispatcherConfig{
		StasisApp:         "voice-bridge",
		ExternalMediaHost: "0.0.0.0",
		AutoAnswerCalls:   true,
		MaxCallDuration:   time.Hour,
		TurnDetection:     TurnDetectionClient,
		DisconnectPolicy:  DisconnectKeep,
		VAD:               audiocodec.Config{SpeechHold: 0, SilenceHold: 10 * time.Millisecond},
	}, rest, newFakeMedia(), func() LiveAPIClient { return live }, nil)

	d.HandleEvent(context.Background(), stasisStartPayload("ch-1"))

	d.mu.Lock()
	rt := d.sessions["ch-1"]
	d.mu.Unlock()

	live.fireDisconnected()

	if rt.session.State() == StateEnded {
		t.Fatalf("expected disconnect under keep policy to leave the session alone")
	}
	if len(rest.hungup) != 0 {
		t.Fatalf("expected no hangup under keep policy, got %v", rest.hungup)
	}
}

func TestRateLimitErrorPausesAppendAudio(t *testing.T) {
	live := &fakeLiveClient{}
	d := newTestDispatcher(live, &fakeRest{}, newFakeMedia())

	d.HandleEvent(context.Background(), stasisStartPayload("ch-1"))
	d.OnConnectionEstablished("ch-1")

	live.fireError(liveapi.Event{Type: liveapi.EventError, ErrorCode: "429", Subkind: "rate-limit", RetryAfterMs: 50})

	before := live.appended
	d.OnInboundFrame("ch-1", make([]byte, 320*2))
	if live.appended != before {
		t.Fatalf("expected append_audio to be skipped while rate-limit pause is in effect")
	}

	time.Sleep(60 * time.Millisecond)
	d.OnInboundFrame("ch-1", make([]byte, 320*2))
	if live.appended == before {
		t.Fatalf("expected append_audio to resume once the pause elapsed")
	}
}

func TestAssistantTurnDurationMeasuredFromResponseStart(t *testing.T) {
	live := &fakeLiveClient{}
	d := newTestDispatcher(live, &fakeRest{}, newFakeMedia())

	d.HandleEvent(context.Background(), stasisStartPayload("ch-1"))
	d.OnConnectionEstablished("ch-1")

	loud := make([]byte, 320*2)
	for i := 0; i < len(loud); i += 2 {
		loud[i+1] = 0x40
	}
	quiet := make([]byte, 320*2)

	d.OnInboundFrame("ch-1", loud)
	time.Sleep(5 * time.Millisecond)
	d.OnInboundFrame("ch-1", quiet)
	time.Sleep(15 * time.Millisecond)
	d.OnInboundFrame("ch-1", quiet) // commits the turn, sets responseStart

	time.Sleep(10 * time.Millisecond)
	live.fireAudioDelta(liveapi.Event{Type: liveapi.EventAudioDelta, Audio: []byte{1}})
	for _, fn := range live.onAudioDone {
		fn(liveapi.Event{Type: liveapi.EventAudioDone})
	}

	d.mu.Lock()
	rt := d.sessions["ch-1"]
	d.mu.Unlock()
	turns := rt.session.Turns()
	last := turns[len(turns)-1]
	if last.Role != TurnAssistant {
		t.Fatalf("expected last turn to be the assistant turn, got %s", last.Role)
	}
	if last.Duration <= 0 || last.Duration > time.Second {
		t.Fatalf("expected assistant turn duration to be a small, real elapsed time, got %s", last.Duration)
	}
}
