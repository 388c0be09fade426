package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

// SlogLevel maps log_level to a slog level. Unknown values mean info.
func (t TelemetryConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(t.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	VAD         VADConfig        `yaml:"vad"`
	STT         STTConfig        `yaml:"stt"`
	Filter      FilterConfig     `yaml:"filter"`
	Captions    CaptionsConfig   `yaml:"captions"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	MaxStoreMB     int64    `yaml:"max_store_mb"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig describes the capture source and the inter-stage queues.
type AudioConfig struct {
	Source            string `yaml:"source"` // exec, wav, bus
	Command           string `yaml:"command"`
	WAVPath           string `yaml:"wav_path"`
	Realtime          bool   `yaml:"realtime"`
	TrailingSilenceMS int    `yaml:"trailing_silence_ms"`
	SampleRate        int    `yaml:"sample_rate"`
	Channels          int    `yaml:"channels"`
	FrameMS           int    `yaml:"frame_ms"`
	FrameQueueSize    int    `yaml:"frame_queue_size"`
	EventQueueSize    int    `yaml:"event_queue_size"`
	StopTimeoutMS     int    `yaml:"stop_timeout_ms"`
}

// FrameSamples is the number of samples in one capture frame.
func (a AudioConfig) FrameSamples() int {
	return a.SampleRate * a.FrameMS / 1000
}

type VADConfig struct {
	Mode          string  `yaml:"mode"` // energy, exec
	Command       string  `yaml:"command"`
	Threshold     float64 `yaml:"threshold"`
	MinSpeechMS   int     `yaml:"min_speech_ms"`
	MinSilenceMS  int     `yaml:"min_silence_ms"`
	MaxUtteranceS float64 `yaml:"max_utterance_s"`
	PaddingMS     int     `yaml:"padding_ms"`
	EndTailMS     int     `yaml:"end_tail_ms"`
	EnergyFloorDB float64 `yaml:"energy_floor_db"`
	EnergyCeilDB  float64 `yaml:"energy_ceil_db"`
}

// DecoderConfig is one recognition profile. The partial and final tiers each
// get their own.
type DecoderConfig struct {
	Mode        string  `yaml:"mode"` // mock, exec, whisper
	Command     string  `yaml:"command"`
	ModelPath   string  `yaml:"model_path"`
	Language    string  `yaml:"language"`
	BeamSize    int     `yaml:"beam_size"`
	Patience    float64 `yaml:"patience"`
	Temperature float64 `yaml:"temperature"`
	Threads     int     `yaml:"threads"`
}

type STTConfig struct {
	Partial              DecoderConfig `yaml:"partial"`
	Final                DecoderConfig `yaml:"final"`
	PartialUpdateMS      int           `yaml:"partial_update_ms"`
	PartialMinS          float64       `yaml:"partial_min_s"`
	PartialTailS         float64       `yaml:"partial_tail_s"`
	StableHyps           int           `yaml:"stable_hyps"`
	CommittedPromptWords int           `yaml:"committed_prompt_words"`
	MaxOverlapCheck      int           `yaml:"max_overlap_check"`
	ContextTailChars     int           `yaml:"context_tail_chars"`
	FinalMinS            float64       `yaml:"final_min_s"`
	DecodeTimeoutMS      int           `yaml:"decode_timeout_ms"`
}

type FilterConfig struct {
	MinChars        int     `yaml:"min_chars"`
	MaxNoSpeechProb float64 `yaml:"max_no_speech_prob"`
	MinAvgLogProb   float64 `yaml:"min_avg_logprob"`
}

type CaptionsConfig struct {
	QueueSize         int    `yaml:"queue_size"`
	TranscriptPath    string `yaml:"transcript_path"`
	DefaultVocabulary string `yaml:"default_vocabulary"`
	HandoffEnabled    bool   `yaml:"handoff_enabled"`
	HandoffBatch      int    `yaml:"handoff_batch"`
}

type PipelineConfig struct {
	AutoStart      bool `yaml:"auto_start"`
	PollIntervalMS int  `yaml:"poll_interval_ms"`
	DrainGraceMS   int  `yaml:"drain_grace_ms"`
}

const defaultVocabulary = "This is an academic lecture. Please transcribe all technical terms accurately using their standard spelling."

func Default() Config {
	return Config{
		RuntimeName: "loqa-captions",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			MaxStoreMB:     256,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/captions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Audio: AudioConfig{
			Source:            "exec",
			Command:           "arecord -q -t raw -f S16_LE -r 16000 -c 1",
			Realtime:          true,
			TrailingSilenceMS: 1000,
			SampleRate:        16000,
			Channels:          1,
			FrameMS:           32,
			FrameQueueSize:    300,
			EventQueueSize:    4000,
			StopTimeoutMS:     2000,
		},
		VAD: VADConfig{
			Mode:          "energy",
			Threshold:     0.5,
			MinSpeechMS:   250,
			MinSilenceMS:  800,
			MaxUtteranceS: 18,
			PaddingMS:     200,
			EndTailMS:     200,
			EnergyFloorDB: -50,
			EnergyCeilDB:  -20,
		},
		STT: STTConfig{
			Partial: DecoderConfig{
				Mode:        "mock",
				Language:    "en",
				BeamSize:    4,
				Patience:    1.0,
				Temperature: 0.0,
			},
			Final: DecoderConfig{
				Mode:        "mock",
				Language:    "en",
				BeamSize:    8,
				Patience:    1.2,
				Temperature: 0.0,
			},
			PartialUpdateMS:      300,
			PartialMinS:          0.8,
			PartialTailS:         10,
			StableHyps:           3,
			CommittedPromptWords: 20,
			MaxOverlapCheck:      50,
			ContextTailChars:     240,
			FinalMinS:            0.6,
			DecodeTimeoutMS:      45000,
		},
		Filter: FilterConfig{
			MinChars:        3,
			MaxNoSpeechProb: 0.6,
			MinAvgLogProb:   -1.0,
		},
		Captions: CaptionsConfig{
			QueueSize:         100,
			TranscriptPath:    "./data/logs/captions.txt",
			DefaultVocabulary: defaultVocabulary,
			HandoffEnabled:    true,
			HandoffBatch:      4,
		},
		Pipeline: PipelineConfig{
			AutoStart:      false,
			PollIntervalMS: 100,
			DrainGraceMS:   300,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "CAPTION_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CAPTION_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CAPTION_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CAPTION_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CAPTION_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CAPTION_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CAPTION_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "CAPTION_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "CAPTION_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "CAPTION_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "CAPTION_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "CAPTION_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "CAPTION_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "CAPTION_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CAPTION_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CAPTION_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CAPTION_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CAPTION_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CAPTION_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "CAPTION_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "CAPTION_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "CAPTION_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "CAPTION_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "CAPTION_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Source, "CAPTION_AUDIO_SOURCE")
	overrideString(&cfg.Audio.Command, "CAPTION_AUDIO_COMMAND")
	overrideString(&cfg.Audio.WAVPath, "CAPTION_AUDIO_WAV_PATH")
	overrideBool(&cfg.Audio.Realtime, "CAPTION_AUDIO_REALTIME")
	overrideInt(&cfg.Audio.TrailingSilenceMS, "CAPTION_AUDIO_TRAILING_SILENCE_MS")
	overrideInt(&cfg.Audio.SampleRate, "CAPTION_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "CAPTION_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameMS, "CAPTION_AUDIO_FRAME_MS")
	overrideInt(&cfg.Audio.FrameQueueSize, "CAPTION_AUDIO_FRAME_QUEUE_SIZE")
	overrideInt(&cfg.Audio.EventQueueSize, "CAPTION_AUDIO_EVENT_QUEUE_SIZE")
	overrideInt(&cfg.Audio.StopTimeoutMS, "CAPTION_AUDIO_STOP_TIMEOUT_MS")
	overrideString(&cfg.VAD.Mode, "CAPTION_VAD_MODE")
	overrideString(&cfg.VAD.Command, "CAPTION_VAD_COMMAND")
	overrideFloat(&cfg.VAD.Threshold, "CAPTION_VAD_THRESHOLD")
	overrideInt(&cfg.VAD.MinSpeechMS, "CAPTION_VAD_MIN_SPEECH_MS")
	overrideInt(&cfg.VAD.MinSilenceMS, "CAPTION_VAD_MIN_SILENCE_MS")
	overrideFloat(&cfg.VAD.MaxUtteranceS, "CAPTION_VAD_MAX_UTTERANCE_S")
	overrideInt(&cfg.VAD.PaddingMS, "CAPTION_VAD_PADDING_MS")
	overrideInt(&cfg.VAD.EndTailMS, "CAPTION_VAD_END_TAIL_MS")
	overrideDecoder(&cfg.STT.Partial, "CAPTION_STT_PARTIAL")
	overrideDecoder(&cfg.STT.Final, "CAPTION_STT_FINAL")
	overrideInt(&cfg.STT.PartialUpdateMS, "CAPTION_STT_PARTIAL_UPDATE_MS")
	overrideFloat(&cfg.STT.PartialMinS, "CAPTION_STT_PARTIAL_MIN_S")
	overrideFloat(&cfg.STT.PartialTailS, "CAPTION_STT_PARTIAL_TAIL_S")
	overrideInt(&cfg.STT.StableHyps, "CAPTION_STT_STABLE_HYPS")
	overrideInt(&cfg.STT.CommittedPromptWords, "CAPTION_STT_COMMITTED_PROMPT_WORDS")
	overrideInt(&cfg.STT.MaxOverlapCheck, "CAPTION_STT_MAX_OVERLAP_CHECK")
	overrideInt(&cfg.STT.ContextTailChars, "CAPTION_STT_CONTEXT_TAIL_CHARS")
	overrideFloat(&cfg.STT.FinalMinS, "CAPTION_STT_FINAL_MIN_S")
	overrideInt(&cfg.STT.DecodeTimeoutMS, "CAPTION_STT_DECODE_TIMEOUT_MS")
	overrideInt(&cfg.Filter.MinChars, "CAPTION_FILTER_MIN_CHARS")
	overrideFloat(&cfg.Filter.MaxNoSpeechProb, "CAPTION_FILTER_MAX_NO_SPEECH_PROB")
	overrideFloat(&cfg.Filter.MinAvgLogProb, "CAPTION_FILTER_MIN_AVG_LOGPROB")
	overrideInt(&cfg.Captions.QueueSize, "CAPTION_CAPTIONS_QUEUE_SIZE")
	overrideString(&cfg.Captions.TranscriptPath, "CAPTION_CAPTIONS_TRANSCRIPT_PATH")
	overrideString(&cfg.Captions.DefaultVocabulary, "CAPTION_CAPTIONS_DEFAULT_VOCABULARY")
	overrideBool(&cfg.Captions.HandoffEnabled, "CAPTION_CAPTIONS_HANDOFF_ENABLED")
	overrideInt(&cfg.Captions.HandoffBatch, "CAPTION_CAPTIONS_HANDOFF_BATCH")
	overrideBool(&cfg.Pipeline.AutoStart, "CAPTION_PIPELINE_AUTO_START")
	overrideInt(&cfg.Pipeline.PollIntervalMS, "CAPTION_PIPELINE_POLL_INTERVAL_MS")
	overrideInt(&cfg.Pipeline.DrainGraceMS, "CAPTION_PIPELINE_DRAIN_GRACE_MS")
}

func overrideDecoder(target *DecoderConfig, prefix string) {
	overrideString(&target.Mode, prefix+"_MODE")
	overrideString(&target.Command, prefix+"_COMMAND")
	overrideString(&target.ModelPath, prefix+"_MODEL_PATH")
	overrideString(&target.Language, prefix+"_LANGUAGE")
	overrideInt(&target.BeamSize, prefix+"_BEAM_SIZE")
	overrideFloat(&target.Patience, prefix+"_PATIENCE")
	overrideFloat(&target.Temperature, prefix+"_TEMPERATURE")
	overrideInt(&target.Threads, prefix+"_THREADS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate reports the first problem found in cfg.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
			if cfg.Bus.MaxStoreMB < 0 {
				return errors.New("bus.max_store_mb must be >= 0")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if err := validateAudio(cfg.Audio); err != nil {
		return err
	}
	if err := validateVAD(cfg.VAD); err != nil {
		return err
	}
	if err := validateDecoder("stt.partial", cfg.STT.Partial); err != nil {
		return err
	}
	if err := validateDecoder("stt.final", cfg.STT.Final); err != nil {
		return err
	}
	if cfg.STT.PartialUpdateMS < 0 {
		return errors.New("stt.partial_update_ms must be >= 0")
	}
	if cfg.STT.PartialTailS <= 0 {
		return errors.New("stt.partial_tail_s must be positive")
	}
	if cfg.STT.StableHyps < 1 {
		return errors.New("stt.stable_hyps must be >= 1")
	}
	if cfg.STT.MaxOverlapCheck < 1 {
		return errors.New("stt.max_overlap_check must be >= 1")
	}
	if cfg.STT.CommittedPromptWords < 0 || cfg.STT.ContextTailChars < 0 {
		return errors.New("stt.committed_prompt_words and stt.context_tail_chars must be >= 0")
	}
	if cfg.Filter.MinChars < 0 {
		return errors.New("filter.min_chars must be >= 0")
	}
	if cfg.Filter.MaxNoSpeechProb < 0 || cfg.Filter.MaxNoSpeechProb > 1 {
		return errors.New("filter.max_no_speech_prob must be between 0 and 1")
	}
	if cfg.Captions.QueueSize <= 0 {
		return errors.New("captions.queue_size must be positive")
	}
	if cfg.Captions.HandoffEnabled && cfg.Captions.HandoffBatch <= 0 {
		return errors.New("captions.handoff_batch must be positive when handoff is enabled")
	}
	if cfg.Pipeline.PollIntervalMS <= 0 {
		return errors.New("pipeline.poll_interval_ms must be positive")
	}
	if cfg.Pipeline.DrainGraceMS < 0 {
		return errors.New("pipeline.drain_grace_ms must be >= 0")
	}
	return nil
}

func validateAudio(cfg AudioConfig) error {
	switch cfg.Source {
	case "exec":
		if cfg.Command == "" {
			return errors.New("audio.command must be set when source=exec")
		}
	case "wav":
		if cfg.WAVPath == "" {
			return errors.New("audio.wav_path must be set when source=wav")
		}
	case "bus":
	default:
		return errors.New("audio.source must be one of exec|wav|bus")
	}
	if cfg.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Channels != 1 {
		return errors.New("audio.channels must be 1")
	}
	if cfg.FrameMS <= 0 || cfg.FrameSamples() <= 0 {
		return errors.New("audio.frame_ms must be positive")
	}
	if cfg.FrameQueueSize <= 0 || cfg.EventQueueSize <= 0 {
		return errors.New("audio.frame_queue_size and audio.event_queue_size must be positive")
	}
	return nil
}

func validateVAD(cfg VADConfig) error {
	switch cfg.Mode {
	case "energy":
		if cfg.EnergyCeilDB <= cfg.EnergyFloorDB {
			return errors.New("vad.energy_ceil_db must be greater than vad.energy_floor_db")
		}
	case "exec":
		if cfg.Command == "" {
			return errors.New("vad.command must be set when mode=exec")
		}
	default:
		return errors.New("vad.mode must be one of energy|exec")
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return errors.New("vad.threshold must be between 0 and 1")
	}
	if cfg.MinSpeechMS <= 0 || cfg.MinSilenceMS <= 0 {
		return errors.New("vad.min_speech_ms and vad.min_silence_ms must be positive")
	}
	if cfg.MaxUtteranceS <= 0 {
		return errors.New("vad.max_utterance_s must be positive")
	}
	if cfg.PaddingMS < 0 || cfg.EndTailMS < 0 {
		return errors.New("vad.padding_ms and vad.end_tail_ms must be >= 0")
	}
	return nil
}

func validateDecoder(key string, cfg DecoderConfig) error {
	switch cfg.Mode {
	case "mock":
	case "exec":
		if cfg.Command == "" {
			return fmt.Errorf("%s.command must be set when mode=exec", key)
		}
	case "whisper":
		if cfg.ModelPath == "" {
			return fmt.Errorf("%s.model_path must be set when mode=whisper", key)
		}
	default:
		return fmt.Errorf("%s.mode must be one of mock|exec|whisper", key)
	}
	if cfg.BeamSize < 1 {
		return fmt.Errorf("%s.beam_size must be >= 1", key)
	}
	return nil
}
