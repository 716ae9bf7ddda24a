package config

import (
	"errors"
	"fmt"
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

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
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

// ActivationConfig drives the session activation monitor. The two signal
// sources (foreground events, usage polling) can be disabled
// independently; the monitor works with either one alone.
type ActivationConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Patterns       []string `yaml:"patterns"`
	ListenEvents   bool     `yaml:"listen_events"`
	PollUsage      bool     `yaml:"poll_usage"`
	PollIntervalMS int      `yaml:"poll_interval_ms"`
	RecentWindowMS int      `yaml:"recent_window_ms"`
}

type CaptureConfig struct {
	Mode        string `yaml:"mode"` // synthetic, exec
	Command     string `yaml:"command"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FPS         int    `yaml:"fps"`
	OpenRetries int    `yaml:"open_retries"`
}

// ModelBinding selects how one model artifact is executed.
type ModelBinding struct {
	Mode       string `yaml:"mode"` // mock, exec, wasm
	Command    string `yaml:"command"`
	Module     string `yaml:"module"`
	Entrypoint string `yaml:"entrypoint"`
}

type LandmarkConfig struct {
	Binding   ModelBinding `yaml:"binding"`
	ModelPath string       `yaml:"model_path"`
}

type SynthesisConfig struct {
	Encoder        ModelBinding `yaml:"encoder"`
	Generator      ModelBinding `yaml:"generator"`
	ReferenceImage string       `yaml:"reference_image"`
	OutputWidth    int          `yaml:"output_width"`
	OutputHeight   int          `yaml:"output_height"`
	LatentSize     int          `yaml:"latent_size"`
	Accelerator    string       `yaml:"accelerator"` // auto, gpu, npu, cpu
}

type PresentationConfig struct {
	Surface string `yaml:"surface"` // null, writer
	Path    string `yaml:"path"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type StylesConfig struct {
	Directory string `yaml:"directory"`
	Default   string `yaml:"default"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Activation   ActivationConfig   `yaml:"activation"`
	Capture      CaptureConfig      `yaml:"capture"`
	Landmark     LandmarkConfig     `yaml:"landmark"`
	Synthesis    SynthesisConfig    `yaml:"synthesis"`
	Presentation PresentationConfig `yaml:"presentation"`
	Journal      JournalConfig      `yaml:"journal"`
	Styles       StylesConfig       `yaml:"styles"`
}

func Default() Config {
	return Config{
		RuntimeName: "visage-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Activation: ActivationConfig{
			Enabled: true,
			Patterns: []string{
				"camera", "video", "call", "meet", "conference", "facetime", "webcam",
			},
			ListenEvents:   true,
			PollUsage:      true,
			PollIntervalMS: 250,
			RecentWindowMS: 1000,
		},
		Capture: CaptureConfig{
			Mode:        "synthetic",
			Width:       640,
			Height:      480,
			FPS:         30,
			OpenRetries: 3,
		},
		Landmark: LandmarkConfig{
			Binding: ModelBinding{Mode: "mock"},
		},
		Synthesis: SynthesisConfig{
			Encoder:      ModelBinding{Mode: "mock"},
			Generator:    ModelBinding{Mode: "mock"},
			OutputWidth:  512,
			OutputHeight: 512,
			LatentSize:   128,
			Accelerator:  "auto",
		},
		Presentation: PresentationConfig{
			Surface: "null",
			Width:   1280,
			Height:  720,
		},
		Journal: JournalConfig{
			Path:          "./data/visage-journal.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Styles: StylesConfig{
			Directory: "./styles",
			Default:   "",
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
	overrideString(&cfg.RuntimeName, "VISAGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VISAGE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VISAGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VISAGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VISAGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VISAGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VISAGE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VISAGE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VISAGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VISAGE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VISAGE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VISAGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VISAGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VISAGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VISAGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VISAGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VISAGE_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Activation.Enabled, "VISAGE_ACTIVATION_ENABLED")
	overrideStringSlice(&cfg.Activation.Patterns, "VISAGE_ACTIVATION_PATTERNS")
	overrideBool(&cfg.Activation.ListenEvents, "VISAGE_ACTIVATION_LISTEN_EVENTS")
	overrideBool(&cfg.Activation.PollUsage, "VISAGE_ACTIVATION_POLL_USAGE")
	overrideInt(&cfg.Activation.PollIntervalMS, "VISAGE_ACTIVATION_POLL_INTERVAL_MS")
	overrideInt(&cfg.Activation.RecentWindowMS, "VISAGE_ACTIVATION_RECENT_WINDOW_MS")
	overrideString(&cfg.Capture.Mode, "VISAGE_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "VISAGE_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.Width, "VISAGE_CAPTURE_WIDTH")
	overrideInt(&cfg.Capture.Height, "VISAGE_CAPTURE_HEIGHT")
	overrideInt(&cfg.Capture.FPS, "VISAGE_CAPTURE_FPS")
	overrideInt(&cfg.Capture.OpenRetries, "VISAGE_CAPTURE_OPEN_RETRIES")
	overrideString(&cfg.Landmark.Binding.Mode, "VISAGE_LANDMARK_MODE")
	overrideString(&cfg.Landmark.Binding.Command, "VISAGE_LANDMARK_COMMAND")
	overrideString(&cfg.Landmark.Binding.Module, "VISAGE_LANDMARK_MODULE")
	overrideString(&cfg.Landmark.Binding.Entrypoint, "VISAGE_LANDMARK_ENTRYPOINT")
	overrideString(&cfg.Landmark.ModelPath, "VISAGE_LANDMARK_MODEL_PATH")
	overrideString(&cfg.Synthesis.Encoder.Mode, "VISAGE_SYNTHESIS_ENCODER_MODE")
	overrideString(&cfg.Synthesis.Encoder.Command, "VISAGE_SYNTHESIS_ENCODER_COMMAND")
	overrideString(&cfg.Synthesis.Encoder.Module, "VISAGE_SYNTHESIS_ENCODER_MODULE")
	overrideString(&cfg.Synthesis.Encoder.Entrypoint, "VISAGE_SYNTHESIS_ENCODER_ENTRYPOINT")
	overrideString(&cfg.Synthesis.Generator.Mode, "VISAGE_SYNTHESIS_GENERATOR_MODE")
	overrideString(&cfg.Synthesis.Generator.Command, "VISAGE_SYNTHESIS_GENERATOR_COMMAND")
	overrideString(&cfg.Synthesis.Generator.Module, "VISAGE_SYNTHESIS_GENERATOR_MODULE")
	overrideString(&cfg.Synthesis.Generator.Entrypoint, "VISAGE_SYNTHESIS_GENERATOR_ENTRYPOINT")
	overrideString(&cfg.Synthesis.ReferenceImage, "VISAGE_SYNTHESIS_REFERENCE_IMAGE")
	overrideInt(&cfg.Synthesis.OutputWidth, "VISAGE_SYNTHESIS_OUTPUT_WIDTH")
	overrideInt(&cfg.Synthesis.OutputHeight, "VISAGE_SYNTHESIS_OUTPUT_HEIGHT")
	overrideInt(&cfg.Synthesis.LatentSize, "VISAGE_SYNTHESIS_LATENT_SIZE")
	overrideString(&cfg.Synthesis.Accelerator, "VISAGE_SYNTHESIS_ACCELERATOR")
	overrideString(&cfg.Presentation.Surface, "VISAGE_PRESENTATION_SURFACE")
	overrideString(&cfg.Presentation.Path, "VISAGE_PRESENTATION_PATH")
	overrideInt(&cfg.Presentation.Width, "VISAGE_PRESENTATION_WIDTH")
	overrideInt(&cfg.Presentation.Height, "VISAGE_PRESENTATION_HEIGHT")
	overrideString(&cfg.Journal.Path, "VISAGE_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "VISAGE_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "VISAGE_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "VISAGE_JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "VISAGE_JOURNAL_VACUUM_ON_START")
	overrideString(&cfg.Styles.Directory, "VISAGE_STYLES_DIRECTORY")
	overrideString(&cfg.Styles.Default, "VISAGE_STYLES_DEFAULT")
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

func validateBinding(name string, b ModelBinding) error {
	switch b.Mode {
	case "mock":
	case "exec":
		if b.Command == "" {
			return fmt.Errorf("%s.command must be set when mode=exec", name)
		}
	case "wasm":
		if b.Module == "" {
			return fmt.Errorf("%s.module must be set when mode=wasm", name)
		}
		if b.Entrypoint == "" {
			return fmt.Errorf("%s.entrypoint must be set when mode=wasm", name)
		}
	default:
		return fmt.Errorf("%s.mode must be one of mock|exec|wasm", name)
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Activation.Enabled {
		if len(cfg.Activation.Patterns) == 0 {
			return errors.New("activation.patterns must not be empty when activation is enabled")
		}
		if cfg.Activation.PollUsage && cfg.Activation.PollIntervalMS <= 0 {
			return errors.New("activation.poll_interval_ms must be positive when usage polling is enabled")
		}
		if cfg.Activation.PollUsage && cfg.Activation.RecentWindowMS <= 0 {
			return errors.New("activation.recent_window_ms must be positive when usage polling is enabled")
		}
	}
	switch cfg.Capture.Mode {
	case "synthetic":
	case "exec":
		if cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
	default:
		return errors.New("capture.mode must be one of synthetic|exec")
	}
	if cfg.Capture.Width <= 0 || cfg.Capture.Height <= 0 {
		return errors.New("capture dimensions must be positive")
	}
	if cfg.Capture.FPS <= 0 {
		return errors.New("capture.fps must be positive")
	}
	if cfg.Capture.OpenRetries < 0 {
		return errors.New("capture.open_retries must be >= 0")
	}
	if err := validateBinding("landmark.binding", cfg.Landmark.Binding); err != nil {
		return err
	}
	if err := validateBinding("synthesis.encoder", cfg.Synthesis.Encoder); err != nil {
		return err
	}
	if err := validateBinding("synthesis.generator", cfg.Synthesis.Generator); err != nil {
		return err
	}
	if cfg.Synthesis.OutputWidth <= 0 || cfg.Synthesis.OutputHeight <= 0 {
		return errors.New("synthesis output dimensions must be positive")
	}
	if cfg.Synthesis.LatentSize <= 0 {
		return errors.New("synthesis.latent_size must be positive")
	}
	switch cfg.Synthesis.Accelerator {
	case "auto", "gpu", "npu", "cpu":
	default:
		return errors.New("synthesis.accelerator must be one of auto|gpu|npu|cpu")
	}
	switch cfg.Presentation.Surface {
	case "null":
	case "writer":
		if cfg.Presentation.Path == "" {
			return errors.New("presentation.path must be set when surface=writer")
		}
	default:
		return errors.New("presentation.surface must be one of null|writer")
	}
	if cfg.Presentation.Width <= 0 || cfg.Presentation.Height <= 0 {
		return errors.New("presentation dimensions must be positive")
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	return nil
}
