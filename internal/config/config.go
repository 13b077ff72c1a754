package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/termrun/internal/compiler"
	"github.com/michaelbrown/termrun/internal/limiter"
	"github.com/michaelbrown/termrun/internal/logging"
	"github.com/michaelbrown/termrun/internal/session"
)

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	MaxRequestBytes int64         `mapstructure:"max_request_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type CompilerConfig struct {
	Driver         string          `mapstructure:"driver"`
	Default        string          `mapstructure:"default"`
	ToolchainsFile string          `mapstructure:"toolchains_file"`
	Timeout        time.Duration   `mapstructure:"timeout"`
	Policy         compiler.Policy `mapstructure:"policy"`
}

type WorkspaceConfig struct {
	Dir string `mapstructure:"dir"`
}

type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Compiler  CompilerConfig  `mapstructure:"compiler"`
	Session   session.Config  `mapstructure:"session"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Log       logging.Config  `mapstructure:"log"`
	Limits    limiter.Config  `mapstructure:"limits"`
}

// Load reads termrun.yaml from path, or from . and $HOME/.termrun when path
// is empty. A missing file in the search path is not an error; defaults and
// TERMRUN_* environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("termrun")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.termrun")
	}

	v.SetEnvPrefix("TERMRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Storage.DBPath = expandPath(cfg.Storage.DBPath)
	cfg.Workspace.Dir = expandPath(cfg.Workspace.Dir)
	cfg.Compiler.ToolchainsFile = expandPath(cfg.Compiler.ToolchainsFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	sd := session.DefaultConfig()
	pol := compiler.DefaultPolicy()

	v.SetDefault("server.port", 5000)
	v.SetDefault("server.max_request_bytes", 1<<20)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("compiler.driver", "local")
	v.SetDefault("compiler.default", "cpp")
	v.SetDefault("compiler.toolchains_file", "")
	v.SetDefault("compiler.timeout", compiler.DefaultTimeout.String())
	v.SetDefault("compiler.policy.max_memory", pol.MaxMemory)
	v.SetDefault("compiler.policy.network", pol.Network)
	v.SetDefault("compiler.policy.images", pol.Images)

	v.SetDefault("session.poll_interval", sd.PollInterval.String())
	v.SetDefault("session.read_chunk", sd.ReadChunk)
	v.SetDefault("session.max_backlog", sd.MaxBacklog)
	v.SetDefault("session.max_sessions", sd.MaxSessions)
	v.SetDefault("session.max_source_bytes", sd.MaxSourceBytes)
	v.SetDefault("session.max_runtime", "0s")
	v.SetDefault("session.idle_ttl", sd.IdleTTL.String())
	v.SetDefault("session.finished_ttl", sd.FinishedTTL.String())
	v.SetDefault("session.sweep_interval", sd.SweepInterval.String())
	v.SetDefault("session.kill_grace", sd.KillGrace.String())
	v.SetDefault("session.rows", sd.Rows)
	v.SetDefault("session.cols", sd.Cols)
	v.SetDefault("session.history_output", sd.HistoryOutput)

	v.SetDefault("workspace.dir", "")

	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", filepath.Join("$HOME", ".termrun", "termrun.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("limits.global_rps", 50)
	v.SetDefault("limits.per_ip_rps", 2)
	v.SetDefault("limits.per_ip_burst", 5)
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	switch c.Compiler.Driver {
	case "local", "docker":
	default:
		return fmt.Errorf("invalid compiler.driver %q (want local or docker)", c.Compiler.Driver)
	}
	if c.Storage.Enabled && c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required when storage is enabled")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q (want text or json)", c.Log.Format)
	}
	return nil
}

// CompilerOptions converts the compiler section for compiler.NewSetFromOptions.
func (c *Config) CompilerOptions() compiler.Options {
	return compiler.Options{
		Driver:         c.Compiler.Driver,
		Default:        c.Compiler.Default,
		ToolchainsFile: c.Compiler.ToolchainsFile,
		Timeout:        c.Compiler.Timeout,
		Policy:         c.Compiler.Policy,
	}
}

// expandPath resolves ${VAR}, $VAR and a leading ~ in p.
func expandPath(p string) string {
	if p == "" {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	return os.ExpandEnv(p)
}
