package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LogConfig holds logging settings.
type LogConfig struct {
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Journal bool   `yaml:"journal"`
}

// RunnerConfig selects how scripts are executed.
type RunnerConfig struct {
	// Kind is "subprocess" or "starlark".
	Kind string `yaml:"kind"`
	// Interpreter is the subprocess runner's argv prefix, split on
	// whitespace; the script text is appended as the final argument.
	Interpreter string `yaml:"interpreter"`
}

// ConsoleConfig holds the execution-console policy knobs.
type ConsoleConfig struct {
	CancelGrace    time.Duration `yaml:"cancel_grace"`
	MaxScriptBytes int           `yaml:"max_script_bytes"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	HistoryLimit   int           `yaml:"history_limit"`
	// QueueEnabled selects FIFO queueing of submissions while a job
	// is active; disabled means such submissions are rejected as busy.
	QueueEnabled bool `yaml:"queue_enabled"`
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
	StateDir  string `yaml:"state_dir"`
	// Mode is "http", "mcp", or "both".
	Mode string `yaml:"mode"`

	Log     LogConfig     `yaml:"log"`
	Runner  RunnerConfig  `yaml:"runner"`
	Console ConsoleConfig `yaml:"console"`

	WebhookURL    string        `yaml:"webhook_url"`
	UseUTC        bool          `yaml:"use_utc"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

const (
	defaultAddr           = "0.0.0.0:7070"
	defaultMode           = "http"
	defaultLogLevel       = "info"
	defaultRunnerKind     = "subprocess"
	defaultInterpreter    = "python3 -u -c"
	defaultCancelGrace    = 2 * time.Second
	defaultMaxScriptBytes = 256 << 10
	defaultMaxOutputBytes = 1 << 20
	defaultHistoryLimit   = 50
	defaultShutdownGrace  = 5 * time.Second
)

func defaults() *Config {
	return &Config{
		Addr: defaultAddr,
		Mode: defaultMode,
		Log:  LogConfig{Level: defaultLogLevel},
		Runner: RunnerConfig{
			Kind:        defaultRunnerKind,
			Interpreter: defaultInterpreter,
		},
		Console: ConsoleConfig{
			CancelGrace:    defaultCancelGrace,
			MaxScriptBytes: defaultMaxScriptBytes,
			MaxOutputBytes: defaultMaxOutputBytes,
			HistoryLimit:   defaultHistoryLimit,
			QueueEnabled:   true,
		},
		ShutdownGrace: defaultShutdownGrace,
	}
}

// Parse builds the configuration from command line arguments, the
// environment, an optional .env file, and an optional YAML config
// file. Priority: CLI flags > environment variables > .env file >
// YAML file > defaults.
func Parse() (*Config, error) {
	return parse(os.Args[1:])
}

func parse(args []string) (*Config, error) {
	// Load .env if present. godotenv never overrides variables that
	// are already set, which keeps env above .env in the precedence.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "devconsole", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	cfg := defaults()

	configPath := configFileFromArgs(args)
	if configPath == "" {
		configPath = os.Getenv("DEVCONSOLE_CONFIG")
	}
	if configPath != "" {
		if err := loadYAML(configPath, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := applyFlags(args, cfg); err != nil {
		return nil, err
	}

	switch cfg.Mode {
	case "http", "mcp", "both":
	default:
		return nil, fmt.Errorf("invalid mode %q (valid: http, mcp, both)", cfg.Mode)
	}
	switch cfg.Runner.Kind {
	case "subprocess", "starlark":
	default:
		return nil, fmt.Errorf("invalid runner kind %q (valid: subprocess, starlark)", cfg.Runner.Kind)
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	return cfg, nil
}

// configFileFromArgs pre-scans args for the -config flag so the YAML
// layer can load before the full flag pass.
func configFileFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		for _, name := range []string{"-config", "--config"} {
			if arg == name && i+1 < len(args) {
				return args[i+1]
			}
			if strings.HasPrefix(arg, name+"=") {
				return arg[len(name)+1:]
			}
		}
	}
	return ""
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getEnvString("DEVCONSOLE_ADDR", cfg.Addr)
	cfg.AuthToken = getEnvString("DEVCONSOLE_AUTH_TOKEN", cfg.AuthToken)
	cfg.StateDir = getEnvString("DEVCONSOLE_STATE_DIR", cfg.StateDir)
	cfg.Mode = getEnvString("DEVCONSOLE_MODE", cfg.Mode)
	cfg.Log.Level = getEnvString("DEVCONSOLE_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnvString("DEVCONSOLE_LOG_FILE", cfg.Log.File)
	cfg.Log.Journal = getEnvBool("DEVCONSOLE_LOG_JOURNAL", cfg.Log.Journal)
	cfg.Runner.Kind = getEnvString("DEVCONSOLE_RUNNER", cfg.Runner.Kind)
	cfg.Runner.Interpreter = getEnvString("DEVCONSOLE_INTERPRETER", cfg.Runner.Interpreter)
	cfg.Console.CancelGrace = getEnvDuration("DEVCONSOLE_CANCEL_GRACE", cfg.Console.CancelGrace)
	cfg.Console.MaxScriptBytes = getEnvInt("DEVCONSOLE_MAX_SCRIPT_BYTES", cfg.Console.MaxScriptBytes)
	cfg.Console.MaxOutputBytes = getEnvInt("DEVCONSOLE_MAX_OUTPUT_BYTES", cfg.Console.MaxOutputBytes)
	cfg.Console.HistoryLimit = getEnvInt("DEVCONSOLE_HISTORY_LIMIT", cfg.Console.HistoryLimit)
	cfg.Console.QueueEnabled = getEnvBool("DEVCONSOLE_QUEUE_ENABLED", cfg.Console.QueueEnabled)
	cfg.WebhookURL = getEnvString("DEVCONSOLE_WEBHOOK_URL", cfg.WebhookURL)
	cfg.UseUTC = getEnvBool("DEVCONSOLE_USE_UTC", cfg.UseUTC)
	cfg.ShutdownGrace = getEnvDuration("DEVCONSOLE_SHUTDOWN_GRACE", cfg.ShutdownGrace)
}

func applyFlags(args []string, cfg *Config) error {
	fs := flag.NewFlagSet("devconsoled", flag.ContinueOnError)

	var (
		configPath     string
		addr           string
		authToken      string
		stateDir       string
		mode           string
		logLevel       string
		logFile        string
		logJournal     bool
		runnerKind     string
		interpreter    string
		cancelGrace    time.Duration
		maxScriptBytes int
		maxOutputBytes int
		historyLimit   int
		queueEnabled   bool
		webhookURL     string
		useUTC         bool
		shutdownGrace  time.Duration
	)

	fs.StringVar(&configPath, "config", "", "Path to YAML config file")
	fs.StringVar(&addr, "addr", "", "HTTP listen address")
	fs.StringVar(&authToken, "auth-token", "", "Bearer token required by the HTTP API")
	fs.StringVar(&stateDir, "state-dir", "", "Directory for the script library database")
	fs.StringVar(&mode, "mode", "", "Serving mode: http, mcp, or both")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFile, "log-file", "", "Also log to this file")
	fs.BoolVar(&logJournal, "log-journal", false, "Also log to the systemd journal")
	fs.StringVar(&runnerKind, "runner", "", "Script runner: subprocess or starlark")
	fs.StringVar(&interpreter, "interpreter", "", "Interpreter argv for the subprocess runner")
	fs.DurationVar(&cancelGrace, "cancel-grace", 0, "Cooperative cancellation window before forced termination")
	fs.IntVar(&maxScriptBytes, "max-script-bytes", 0, "Maximum accepted script size")
	fs.IntVar(&maxOutputBytes, "max-output-bytes", 0, "Retained output cap per job")
	fs.IntVar(&historyLimit, "history-limit", 0, "Finished jobs retained in memory")
	fs.BoolVar(&queueEnabled, "queue", true, "Queue submissions while a job is active instead of rejecting them")
	fs.StringVar(&webhookURL, "webhook-url", "", "Webhook URL notified when jobs finish")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	if err := fs.Parse(args); err != nil {
		return err
	}

	// Only flags that were explicitly set override the layers below.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = addr
		case "auth-token":
			cfg.AuthToken = authToken
		case "state-dir":
			cfg.StateDir = stateDir
		case "mode":
			cfg.Mode = mode
		case "log-level":
			cfg.Log.Level = logLevel
		case "log-file":
			cfg.Log.File = logFile
		case "log-journal":
			cfg.Log.Journal = logJournal
		case "runner":
			cfg.Runner.Kind = runnerKind
		case "interpreter":
			cfg.Runner.Interpreter = interpreter
		case "cancel-grace":
			cfg.Console.CancelGrace = cancelGrace
		case "max-script-bytes":
			cfg.Console.MaxScriptBytes = maxScriptBytes
		case "max-output-bytes":
			cfg.Console.MaxOutputBytes = maxOutputBytes
		case "history-limit":
			cfg.Console.HistoryLimit = historyLimit
		case "queue":
			cfg.Console.QueueEnabled = queueEnabled
		case "webhook-url":
			cfg.WebhookURL = webhookURL
		case "use-utc":
			cfg.UseUTC = useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})
	return nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "devconsole")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
