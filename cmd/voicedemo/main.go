// Command voicedemo is a non-telephony interactive harness: it talks to
// the Live API directly over the local microphone/speaker instead of
// through an ARI call, useful for exercising C1 (VAD) and C3 (Live-API
// client) without a PBX. Adapted from the teacher's cmd/agent/main.go,
// replacing the STT/LLM/TTS cascade with a direct VAD + Live-API pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"

	"github.com/lokutor-ai/ari-bridge/internal/audiocodec"
	"github.com/lokutor-ai/ari-bridge/internal/liveapi"
	"github.com/lokutor-ai/ari-bridge/internal/logging"
)

// deviceSampleRate is malgo's capture/playback rate; the pipeline itself
// is fixed at audiocodec.SampleRate (16kHz), so every frame crossing the
// device boundary is resampled.
const deviceSampleRate = 44100

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("note: no .env file found, using system environment variables")
	}

	apiKey := os.Getenv("LIVE_API_KEY")
	if apiKey == "" {
		fmt.Println("error: LIVE_API_KEY must be set")
		os.Exit(1)
	}
	host := os.Getenv("LIVE_API_HOST")
	if host == "" {
		host = "generativelanguage.googleapis.com"
	}
	path := os.Getenv("LIVE_API_PATH")
	if path == "" {
		path = "/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"
	}
	voice := os.Getenv("LIVE_API_VOICE")
	if voice == "" {
		voice = "Puck"
	}

	logger, err := logging.NewZapDevelopment()
	if err != nil {
		fmt.Println("error: logger init failed:", err)
		os.Exit(1)
	}

	client := liveapi.New(host, path, apiKey, liveapi.SetupConfig{
		Model:             "live-2.0",
		Voice:             voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		SampleRateHz:      audiocodec.SampleRate,
		SystemInstruction: "You are a helpful and concise voice assistant. Use short sentences suitable for speech.",
		TurnDetection:     liveapi.DefaultTurnDetectionConfig(),
	}, liveapi.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		fmt.Println("error: live api connect failed:", err)
		os.Exit(1)
	}
	defer client.Close()

	vad := audiocodec.NewVAD(audiocodec.Config{SpeechHold: 20 * time.Millisecond, SilenceHold: 500 * time.Millisecond})

	var playbackMu sync.Mutex
	var playbackBytes []byte

	client.OnSpeechStarted(func(liveapi.Event) { fmt.Printf("\r\033[K[user] speaking...\n") })
	client.OnSpeechStopped(func(liveapi.Event) { fmt.Printf("\r\033[K[user] processing...\n") })
	client.OnAudioDelta(func(ev liveapi.Event) {
		resampled := audiocodec.Resample(ev.Audio, audiocodec.SampleRate, deviceSampleRate)
		playbackMu.Lock()
		playbackBytes = append(playbackBytes, resampled...)
		playbackMu.Unlock()
	})
	client.OnAudioDone(func(liveapi.Event) { fmt.Printf("\r\033[K[assistant] done speaking\n") })
	client.OnError(func(ev liveapi.Event) { fmt.Printf("\r\033[K[error] %s: %s\n", ev.ErrorCode, ev.ErrorMessage) })
	client.OnDisconnected(func(liveapi.Event) { fmt.Println("\n[live api] disconnected") })

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		fmt.Println("error: audio init failed:", err)
		os.Exit(1)
	}
	defer mctx.Uninit()

	var turnActive bool
	var turnMu sync.Mutex

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			frame := audiocodec.Resample(pInput, deviceSampleRate, audiocodec.SampleRate)
			result := vad.ProcessFrame(frame, time.Now())
			_ = client.AppendAudio(ctx, frame)

			turnMu.Lock()
			wasActive := turnActive
			turnActive = result.IsSpeaking
			turnMu.Unlock()

			if wasActive && !result.IsSpeaking {
				_ = client.CommitInput(ctx)
				_ = client.CreateResponse(ctx, fmt.Sprintf("turn-%d", time.Now().UnixNano()))
			}
		}
		if pOutput != nil {
			playbackMu.Lock()
			n := copy(pOutput, playbackBytes)
			playbackBytes = playbackBytes[n:]
			playbackMu.Unlock()
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = deviceSampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		fmt.Println("error: device init failed:", err)
		os.Exit(1)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		fmt.Println("error: device start failed:", err)
		os.Exit(1)
	}

	fmt.Println("voicedemo started, listening to the microphone. Press Ctrl+C to exit.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nshutting down...")
}
