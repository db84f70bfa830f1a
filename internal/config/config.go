package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Log         LogConfig        `yaml:"log"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Providers   ProvidersConfig  `yaml:"providers"`
	Session     SessionConfig    `yaml:"session"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type TelemetryConfig struct {
	Metrics       bool   `yaml:"metrics"`
	TraceExporter string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type ProvidersConfig struct {
	AllowMock   bool                       `yaml:"allow_mock"`
	STT         STTProvidersConfig         `yaml:"stt"`
	Translation TranslationProvidersConfig `yaml:"translation"`
	Answer      AnswerProvidersConfig      `yaml:"answer"`
}

type STTProvidersConfig struct {
	Order  []string           `yaml:"order"`
	Local  LocalSTTConfig     `yaml:"local"`
	OpenAI OpenAISTTConfig    `yaml:"openai"`
	Google GoogleSpeechConfig `yaml:"google"`
}

type LocalSTTConfig struct {
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
}

type OpenAISTTConfig struct {
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Endpoint string `yaml:"endpoint"`
}

type GoogleSpeechConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	SampleRate      int    `yaml:"sample_rate"`
}

type TranslationProvidersConfig struct {
	Order      []string         `yaml:"order"`
	GoogleFree GoogleFreeConfig `yaml:"google_free"`
	DeepL      DeepLConfig      `yaml:"deepl"`
}

type GoogleFreeConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type DeepLConfig struct {
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
}

type AnswerProvidersConfig struct {
	Order     []string           `yaml:"order"`
	OpenAI    OpenAIAnswerConfig `yaml:"openai"`
	Anthropic AnthropicConfig    `yaml:"anthropic"`
	Ollama    OllamaConfig       `yaml:"ollama"`
}

type OpenAIAnswerConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Endpoint    string  `yaml:"endpoint"`
	Temperature float64 `yaml:"temperature"`
}

type AnthropicConfig struct {
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Endpoint string `yaml:"endpoint"`
}

type OllamaConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

// SessionConfig is the defaults template applied to new sessions.
type SessionConfig struct {
	SourceLanguage  string `yaml:"source_language"`
	TargetLanguage  string `yaml:"target_language"`
	AnswerStyle     string `yaml:"answer_style"`
	AnswerMaxLength int    `yaml:"answer_max_length"`
}

type PipelineConfig struct {
	StageTimeoutMS      int `yaml:"stage_timeout_ms"`
	TranscribeTimeoutMS int `yaml:"transcribe_timeout_ms"`
	TranslateTimeoutMS  int `yaml:"translate_timeout_ms"`
	AnswerTimeoutMS     int `yaml:"answer_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type AudioConfig struct {
	Source          string `yaml:"source"` // none, wav
	WavPath         string `yaml:"wav_path"`
	SampleRate      int    `yaml:"sample_rate"`
	ChunkIntervalMS int    `yaml:"chunk_interval_ms"`
}

func Default() Config {
	return Config{
		ServiceName: "kaiwa-core",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8000,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Metrics:       true,
			TraceExporter: "none",
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Providers: ProvidersConfig{
			AllowMock: true,
			STT: STTProvidersConfig{
				Order: []string{"local", "openai", "google"},
				OpenAI: OpenAISTTConfig{
					Model:    "whisper-1",
					Endpoint: "https://api.openai.com/v1",
				},
				Google: GoogleSpeechConfig{
					SampleRate: 16000,
				},
			},
			Translation: TranslationProvidersConfig{
				Order: []string{"google_free", "deepl"},
				GoogleFree: GoogleFreeConfig{
					Endpoint: "https://translate.googleapis.com/translate_a/single",
				},
				DeepL: DeepLConfig{
					Endpoint: "https://api-free.deepl.com/v2/translate",
				},
			},
			Answer: AnswerProvidersConfig{
				Order: []string{"openai", "anthropic", "ollama"},
				OpenAI: OpenAIAnswerConfig{
					Model:       "gpt-4o-mini",
					Endpoint:    "https://api.openai.com/v1",
					Temperature: 0.7,
				},
				Anthropic: AnthropicConfig{
					Model:    "claude-3-haiku-20240307",
					Endpoint: "https://api.anthropic.com/v1",
				},
				Ollama: OllamaConfig{
					Endpoint: "http://localhost:11434",
					Model:    "llama3.2:latest",
				},
			},
		},
		Session: SessionConfig{
			SourceLanguage:  "auto",
			TargetLanguage:  "en",
			AnswerStyle:     "professional",
			AnswerMaxLength: 150,
		},
		Pipeline: PipelineConfig{
			StageTimeoutMS: 10000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/kaiwa-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			Source:          "none",
			SampleRate:      16000,
			ChunkIntervalMS: 1000,
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
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "KAIWA_SERVICE_NAME")
	overrideString(&cfg.Environment, "KAIWA_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "KAIWA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "KAIWA_HTTP_PORT")
	overrideString(&cfg.Log.Level, "KAIWA_LOG_LEVEL")
	overrideBool(&cfg.Telemetry.Metrics, "KAIWA_TELEMETRY_METRICS")
	overrideString(&cfg.Telemetry.TraceExporter, "KAIWA_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "KAIWA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "KAIWA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "KAIWA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "KAIWA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "KAIWA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "KAIWA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "KAIWA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "KAIWA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "KAIWA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "KAIWA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "KAIWA_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Providers.AllowMock, "KAIWA_PROVIDERS_ALLOW_MOCK")
	overrideStringSlice(&cfg.Providers.STT.Order, "KAIWA_STT_ORDER")
	overrideString(&cfg.Providers.STT.Local.Command, "KAIWA_STT_LOCAL_COMMAND")
	overrideString(&cfg.Providers.STT.Local.ModelPath, "KAIWA_STT_LOCAL_MODEL_PATH")
	overrideString(&cfg.Providers.STT.OpenAI.Model, "KAIWA_STT_OPENAI_MODEL")
	overrideString(&cfg.Providers.STT.OpenAI.Endpoint, "KAIWA_STT_OPENAI_ENDPOINT")
	overrideString(&cfg.Providers.STT.Google.CredentialsFile, "KAIWA_STT_GOOGLE_CREDENTIALS_FILE")
	overrideInt(&cfg.Providers.STT.Google.SampleRate, "KAIWA_STT_GOOGLE_SAMPLE_RATE")
	overrideStringSlice(&cfg.Providers.Translation.Order, "KAIWA_TRANSLATION_ORDER")
	overrideString(&cfg.Providers.Translation.GoogleFree.Endpoint, "KAIWA_TRANSLATION_GOOGLE_FREE_ENDPOINT")
	overrideString(&cfg.Providers.Translation.DeepL.Endpoint, "KAIWA_TRANSLATION_DEEPL_ENDPOINT")
	overrideStringSlice(&cfg.Providers.Answer.Order, "KAIWA_ANSWER_ORDER")
	overrideString(&cfg.Providers.Answer.OpenAI.Model, "KAIWA_ANSWER_OPENAI_MODEL")
	overrideString(&cfg.Providers.Answer.OpenAI.Endpoint, "KAIWA_ANSWER_OPENAI_ENDPOINT")
	overrideFloat(&cfg.Providers.Answer.OpenAI.Temperature, "KAIWA_ANSWER_OPENAI_TEMPERATURE")
	overrideString(&cfg.Providers.Answer.Anthropic.Model, "KAIWA_ANSWER_ANTHROPIC_MODEL")
	overrideString(&cfg.Providers.Answer.Anthropic.Endpoint, "KAIWA_ANSWER_ANTHROPIC_ENDPOINT")
	overrideString(&cfg.Providers.Answer.Ollama.Endpoint, "KAIWA_ANSWER_OLLAMA_ENDPOINT")
	overrideString(&cfg.Providers.Answer.Ollama.Model, "KAIWA_ANSWER_OLLAMA_MODEL")
	overrideString(&cfg.Session.SourceLanguage, "KAIWA_SESSION_SOURCE_LANGUAGE")
	overrideString(&cfg.Session.TargetLanguage, "KAIWA_SESSION_TARGET_LANGUAGE")
	overrideString(&cfg.Session.AnswerStyle, "KAIWA_SESSION_ANSWER_STYLE")
	overrideInt(&cfg.Session.AnswerMaxLength, "KAIWA_SESSION_ANSWER_MAX_LENGTH")
	overrideInt(&cfg.Pipeline.StageTimeoutMS, "KAIWA_PIPELINE_STAGE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.TranscribeTimeoutMS, "KAIWA_PIPELINE_TRANSCRIBE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.TranslateTimeoutMS, "KAIWA_PIPELINE_TRANSLATE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.AnswerTimeoutMS, "KAIWA_PIPELINE_ANSWER_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "KAIWA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "KAIWA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "KAIWA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "KAIWA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "KAIWA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Source, "KAIWA_AUDIO_SOURCE")
	overrideString(&cfg.Audio.WavPath, "KAIWA_AUDIO_WAV_PATH")
	overrideInt(&cfg.Audio.SampleRate, "KAIWA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.ChunkIntervalMS, "KAIWA_AUDIO_CHUNK_INTERVAL_MS")

	// Credentials follow the conventional environment names.
	overrideString(&cfg.Providers.STT.OpenAI.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Providers.Answer.OpenAI.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Providers.Answer.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	overrideString(&cfg.Providers.Translation.DeepL.APIKey, "DEEPL_API_KEY")
	overrideString(&cfg.Providers.STT.Google.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
}

// normalize appends the mock provider as the last candidate of every
// capability order when mocks are allowed.
func normalize(cfg *Config) {
	if !cfg.Providers.AllowMock {
		return
	}
	cfg.Providers.STT.Order = appendMock(cfg.Providers.STT.Order)
	cfg.Providers.Translation.Order = appendMock(cfg.Providers.Translation.Order)
	cfg.Providers.Answer.Order = appendMock(cfg.Providers.Answer.Order)
}

func appendMock(order []string) []string {
	for _, name := range order {
		if name == "mock" {
			return order
		}
	}
	return append(order, "mock")
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

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be one of debug|info|warn|error")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout", "otlp":
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && cfg.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if len(cfg.Providers.STT.Order) == 0 {
		return errors.New("providers.stt.order must not be empty")
	}
	if len(cfg.Providers.Translation.Order) == 0 {
		return errors.New("providers.translation.order must not be empty")
	}
	if len(cfg.Providers.Answer.Order) == 0 {
		return errors.New("providers.answer.order must not be empty")
	}
	if cfg.Session.SourceLanguage == "" {
		return errors.New("session.source_language must not be empty")
	}
	if cfg.Session.TargetLanguage == "" {
		return errors.New("session.target_language must not be empty")
	}
	switch cfg.Session.AnswerStyle {
	case "professional", "academic", "casual":
	default:
		return errors.New("session.answer_style must be one of professional|academic|casual")
	}
	if cfg.Session.AnswerMaxLength <= 0 {
		return errors.New("session.answer_max_length must be positive")
	}
	if cfg.Pipeline.StageTimeoutMS <= 0 {
		return errors.New("pipeline.stage_timeout_ms must be positive")
	}
	if cfg.EventStore.Path == "" {
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
	switch cfg.Audio.Source {
	case "none", "wav":
	default:
		return errors.New("audio.source must be one of none|wav")
	}
	if cfg.Audio.Source == "wav" && cfg.Audio.WavPath == "" {
		return errors.New("audio.wav_path must be set when audio.source=wav")
	}
	if cfg.Audio.ChunkIntervalMS <= 0 {
		return errors.New("audio.chunk_interval_ms must be positive")
	}
	return nil
}
