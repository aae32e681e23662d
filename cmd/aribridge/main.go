// Command aribridge is the production entrypoint: it loads configuration,
// wires C1-C5 together, and serves ARI event ingress plus the
// external-media WebSocket listener until interrupted. Grounded on the
// teacher's cmd/agent/main.go wiring/signal-handling shape, generalized
// from a local duplex audio demo into the telephony bridge's own
// component graph.
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/ari-bridge/internal/ari"
	"github.com/lokutor-ai/ari-bridge/internal/audiocodec"
	"github.com/lokutor-ai/ari-bridge/internal/config"
	"github.com/lokutor-ai/ari-bridge/internal/liveapi"
	"github.com/lokutor-ai/ari-bridge/internal/logging"
	"github.com/lokutor-ai/ari-bridge/internal/media"
)

func main() {
	logger, err := logging.NewZap()
	if err != nil {
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("aribridge exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rest := ari.NewRESTClient(cfg.ARIBaseURL, cfg.ARIUsername, cfg.ARIPassword)

	mediaAddr := cfg.ExternalMediaHost + ":" + strconv.Itoa(cfg.ExternalMediaPort)

	var dispatcher *ari.Dispatcher
	mediaServer := media.New(mediaAddr, media.Callbacks{
		OnConnectionEstablished: func(channelID string) { dispatcher.OnConnectionEstablished(channelID) },
		OnConnectionLost:        func(channelID string) { dispatcher.OnConnectionLost(channelID) },
		OnInboundFrame:          func(channelID string, frame []byte) { dispatcher.OnInboundFrame(channelID, frame) },
	}, logger)

	newLiveClient := func() ari.LiveAPIClient {
		return liveapi.New(cfg.LiveAPIHost, cfg.LiveAPIPath, cfg.LiveAPIKey, liveapi.SetupConfig{
			Model:             cfg.LiveAPIModel,
			Voice:             cfg.LiveAPIVoice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			SampleRateHz:      cfg.AudioSampleRate,
			TurnDetection:     liveapi.DefaultTurnDetectionConfig(),
		}, liveapi.WithLogger(logger))
	}

	dispatcher = ari.NewDispatcher(ari.DispatcherConfig{
		StasisApp:                  cfg.StasisApp,
		ExternalMediaHost:          cfg.ExternalMediaHost,
		AutoAnswerCalls:            cfg.AutoAnswerCalls,
		MaxCallDuration:            time.Duration(cfg.MaxCallDurationS) * time.Second,
		EnableInterruptionHandling: cfg.EnableInterruptionHandling,
		TurnDetection:              ari.TurnDetectionPolicy(cfg.TurnDetection),
		DisconnectPolicy:           ari.DisconnectPolicy(cfg.DisconnectPolicy),
		VAD: audiocodec.Config{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SpeechHold:      durationFromSeconds(cfg.VADSpeechHoldS),
			SilenceHold:     durationFromSeconds(cfg.VADSilenceHoldS),
		},
	}, rest, mediaServer, newLiveClient, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return mediaServer.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return serveARIIngress(gctx, dispatcher, logger)
	})
	g.Go(func() error {
		dispatcher.RunSweeper(gctx)
		return nil
	})

	<-gctx.Done()
	dispatcher.Shutdown(context.Background())
	return g.Wait()
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// serveARIIngress listens for ARI event notifications and hands each
// decoded payload to the dispatcher. The PBX's own transport for event
// delivery (HTTP webhook vs. a notification WebSocket) is
// deployment-specific; this exposes a simple HTTP POST ingress matching
// the REST client's own transport style.
func serveARIIngress(ctx context.Context, d *ari.Dispatcher, logger logging.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ari-events", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var buf []byte
		if r.ContentLength > 0 {
			buf = make([]byte, r.ContentLength)
			if _, err := io.ReadFull(r.Body, buf); err != nil {
				logger.Warn("ari ingress: read failed", "err", err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
		result := d.HandleEvent(r.Context(), buf)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})

	srv := &http.Server{Addr: ":8091", Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
