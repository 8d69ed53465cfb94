package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"vibechat/internal/chat"
)

const (
	DefaultGlamourStyle = "dark"
	DefaultDebounce     = 350 * time.Millisecond
	EnvPrefix           = "VIBECHAT"
	configFileName      = "config.yaml"
)

type AppConfig struct {
	DataDir               string
	DBPath                string
	ExportDir             string
	LogFile               string
	LogLevel              string
	GlamourStyle          string
	Debounce              time.Duration
	PersistWhileStreaming bool
	ModelID               string
	ReasoningEffort       chat.ReasoningEffort
}

// BindFlags registers the persistent flags on fs and binds them to v.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("data-dir", "", "directory holding the database, log and config.yaml")
	fs.String("db-path", "", "path to SQLite database file")
	fs.String("export-dir", "", "directory for exported bundles and transcripts")
	fs.String("log-file", "", "log file used by the terminal client")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("glamour-style", DefaultGlamourStyle, "glamour style for transcripts")
	fs.Duration("debounce", DefaultDebounce, "quiet period before a change is saved")
	fs.Bool("persist-while-streaming", false, "save partial responses while they stream")
	fs.String("model", "", "model id recorded on conversations")
	fs.String("reasoning-effort", "", "reasoning effort recorded on conversations (low, medium, high)")

	v.SetDefault("log-level", "info")
	v.SetDefault("glamour-style", DefaultGlamourStyle)
	v.SetDefault("debounce", DefaultDebounce)
	return v.BindPFlags(fs)
}

// Load resolves the configuration. Flags win over VIBECHAT_* environment
// variables, which win over $DataDir/config.yaml, which wins over defaults.
func Load(v *viper.Viper) (AppConfig, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfg AppConfig
	var err error
	cfg.DataDir, err = DetectDataDir(v.GetString("data-dir"))
	if err != nil {
		return cfg, err
	}

	v.SetConfigFile(filepath.Join(cfg.DataDir, configFileName))
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	cfg.DBPath = v.GetString("db-path")
	cfg.ExportDir = v.GetString("export-dir")
	cfg.LogFile = v.GetString("log-file")
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(v.GetString("log-level")))
	cfg.GlamourStyle = v.GetString("glamour-style")
	cfg.Debounce = v.GetDuration("debounce")
	cfg.PersistWhileStreaming = v.GetBool("persist-while-streaming")
	cfg.ModelID = strings.TrimSpace(v.GetString("model"))
	cfg.ReasoningEffort = chat.ReasoningEffort(strings.ToLower(strings.TrimSpace(v.GetString("reasoning-effort"))))

	if !cfg.ReasoningEffort.Valid() {
		return cfg, fmt.Errorf("invalid reasoning effort %q", cfg.ReasoningEffort)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "chat.sqlite")
	}
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.DataDir, "vibechat.log")
	}
	if cfg.GlamourStyle == "" {
		cfg.GlamourStyle = DefaultGlamourStyle
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return cfg, fmt.Errorf("create db dir: %w", err)
	}
	return cfg, nil
}

func DetectDataDir(explicit string) (string, error) {
	if explicit != "" {
		return filepath.Clean(explicit), nil
	}
	if fromEnv := os.Getenv("XDG_DATA_HOME"); fromEnv != "" {
		return filepath.Join(filepath.Clean(fromEnv), "vibechat"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "vibechat"), nil
}
