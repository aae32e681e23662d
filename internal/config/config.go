// Package config loads the bridge's configuration table (spec.md §6) via
// viper, following lookatitude-beluga-ai's config.LoadConfig pattern, with
// godotenv optionally seeding the process environment first the way the
// teacher's cmd/agent/main.go does.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/lokutor-ai/ari-bridge/internal/bridgeerr"
)

// TurnDetectionPolicy selects whether the dispatcher commits/creates
// responses locally on VAD speech_stopped ("client") or defers entirely to
// the Live API's own server-side VAD events ("server"). See SPEC_FULL.md's
// resolved Open Question.
type TurnDetectionPolicy string

const (
	TurnDetectionClient TurnDetectionPolicy = "client"
	TurnDetectionServer TurnDetectionPolicy = "server"
)

// DisconnectPolicy controls session behavior on Live-API disconnect
// (spec.md §7, scenario S5).
type DisconnectPolicy string

const (
	DisconnectTerminate DisconnectPolicy = "terminate"
	DisconnectKeep       DisconnectPolicy = "keep"
)

// Config mirrors spec.md §6's configuration table exactly; mapstructure
// tags bind it to viper keys, which in turn bind to BRIDGE_-prefixed env
// vars (e.g. BRIDGE_ARI_BASE_URL).
type Config struct {
	ARIBaseURL  string `mapstructure:"ari_base_url"`
	ARIUsername string `mapstructure:"ari_username"`
	ARIPassword string `mapstructure:"ari_password"`

	StasisApp string `mapstructure:"stasis_app"`

	ExternalMediaHost string `mapstructure:"external_media_host"`
	ExternalMediaPort int    `mapstructure:"external_media_port"`

	AudioSampleRate int    `mapstructure:"audio_sample_rate"`
	AudioChunkSize  int    `mapstructure:"audio_chunk_size"`
	AudioFormat     string `mapstructure:"audio_format"`

	VADEnergyThreshold float64 `mapstructure:"vad_energy_threshold"`
	VADSilenceHoldS    float64 `mapstructure:"vad_silence_hold_s"`
	VADSpeechHoldS     float64 `mapstructure:"vad_speech_hold_s"`

	LiveAPIKey   string `mapstructure:"live_api_key"`
	LiveAPIModel string `mapstructure:"live_api_model"`
	LiveAPIVoice string `mapstructure:"live_api_voice"`
	LiveAPIHost  string `mapstructure:"live_api_host"`
	LiveAPIPath  string `mapstructure:"live_api_path"`

	AutoAnswerCalls            bool                `mapstructure:"auto_answer_calls"`
	MaxCallDurationS           int                 `mapstructure:"max_call_duration_s"`
	EnableInterruptionHandling bool                `mapstructure:"enable_interruption_handling"`
	TurnDetection              TurnDetectionPolicy `mapstructure:"turn_detection"`
	DisconnectPolicy           DisconnectPolicy    `mapstructure:"disconnect_policy"`
}

// Load reads configuration from an optional .env file, a config file
// discovered on the given search paths, and the environment, applying
// spec-mandated defaults for every field before validating.
func Load(configPaths ...string) (Config, error) {
	// Best-effort .env seeding; absence is not an error (matches the
	// teacher's cmd/agent.main behavior of logging and continuing).
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("bridge")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ari-bridge/")
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, bridgeerr.Wrap(bridgeerr.ConfigInvalid, "reading config file", err)
		}
	}

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows; the required keys have
	// no default, so bind their env vars explicitly.
	for _, key := range []string{"ari_base_url", "ari_username", "ari_password", "live_api_key"} {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, bridgeerr.Wrap(bridgeerr.ConfigInvalid, "decoding config into struct", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stasis_app", "voice-bridge")
	v.SetDefault("external_media_host", "0.0.0.0")
	v.SetDefault("external_media_port", 8090)
	v.SetDefault("audio_sample_rate", 16000)
	v.SetDefault("audio_chunk_size", 320)
	v.SetDefault("audio_format", "slin16")
	v.SetDefault("vad_energy_threshold", 4000.0)
	v.SetDefault("vad_silence_hold_s", 0.5)
	v.SetDefault("vad_speech_hold_s", 0.02)
	v.SetDefault("live_api_model", "live-2.0")
	v.SetDefault("live_api_voice", "Puck")
	v.SetDefault("live_api_host", "generativelanguage.googleapis.com")
	v.SetDefault("live_api_path", "/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent")
	v.SetDefault("auto_answer_calls", true)
	v.SetDefault("max_call_duration_s", 3600)
	v.SetDefault("enable_interruption_handling", true)
	v.SetDefault("turn_detection", string(TurnDetectionClient))
	v.SetDefault("disconnect_policy", string(DisconnectTerminate))
}

// Validate rejects configuration that cannot start the bridge at all.
// Per-call failures (a single REST call timing out) are not config errors
// and are handled by the ARI/Live-API layers instead.
func (c Config) Validate() error {
	if c.ARIBaseURL == "" || c.ARIUsername == "" || c.ARIPassword == "" {
		return bridgeerr.New(bridgeerr.ConfigInvalid, "ari_base_url, ari_username and ari_password are required")
	}
	if c.LiveAPIKey == "" {
		return bridgeerr.New(bridgeerr.ConfigInvalid, "live_api_key is required")
	}
	if c.AudioSampleRate <= 0 {
		return bridgeerr.New(bridgeerr.ConfigInvalid, "audio_sample_rate must be positive")
	}
	if c.AudioChunkSize <= 0 {
		return bridgeerr.New(bridgeerr.ConfigInvalid, "audio_chunk_size must be positive")
	}
	if c.TurnDetection != TurnDetectionClient && c.TurnDetection != TurnDetectionServer {
		return bridgeerr.New(bridgeerr.ConfigInvalid, fmt.Sprintf("invalid turn_detection: %q", c.TurnDetection))
	}
	if c.DisconnectPolicy != DisconnectTerminate && c.DisconnectPolicy != DisconnectKeep {
		return bridgeerr.New(bridgeerr.ConfigInvalid, fmt.Sprintf("invalid disconnect_policy: %q", c.DisconnectPolicy))
	}
	return nil
}
