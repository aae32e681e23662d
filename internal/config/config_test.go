package config

import (
	"os"
	"testing"
)

func clearBridgeEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		if len(e) > 7 && e[:7] == "BRIDGE_" {
			key := e[:indexByte(e, '=')]
			os.Unsetenv(key)
		}
	}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearBridgeEnv(t)
	os.Setenv("BRIDGE_ARI_BASE_URL", "http://localhost:8088/ari")
	os.Setenv("BRIDGE_ARI_USERNAME", "asterisk")
	os.Setenv("BRIDGE_ARI_PASSWORD", "secret")
	os.Setenv("BRIDGE_LIVE_API_KEY", "key-123")
	defer clearBridgeEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.AudioSampleRate != 16000 {
		t.Fatalf("expected default sample rate 16000, got %d", cfg.AudioSampleRate)
	}
	if cfg.AudioChunkSize != 320 {
		t.Fatalf("expected default chunk size 320, got %d", cfg.AudioChunkSize)
	}
	if cfg.TurnDetection != TurnDetectionClient {
		t.Fatalf("expected default turn detection client, got %q", cfg.TurnDetection)
	}
	if cfg.MaxCallDurationS != 3600 {
		t.Fatalf("expected default max call duration 3600, got %d", cfg.MaxCallDurationS)
	}
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	clearBridgeEnv(t)
	os.Setenv("BRIDGE_LIVE_API_KEY", "key-123")
	defer clearBridgeEnv(t)

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing ARI credentials")
	}
}

func TestLoadRejectsBadTurnDetection(t *testing.T) {
	clearBridgeEnv(t)
	os.Setenv("BRIDGE_ARI_BASE_URL", "http://localhost:8088/ari")
	os.Setenv("BRIDGE_ARI_USERNAME", "asterisk")
	os.Setenv("BRIDGE_ARI_PASSWORD", "secret")
	os.Setenv("BRIDGE_LIVE_API_KEY", "key-123")
	os.Setenv("BRIDGE_TURN_DETECTION", "bogus")
	defer clearBridgeEnv(t)

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid turn_detection")
	}
}
