package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Relay
	RelayURL    string
	RelayAddr   string
	RelayLogCap int
	RedisURL    string
	// Durable channels
	DataDir      string
	DatabaseURL  string
	IdentityFile string
	// Session behaviour
	PresenceThrottle time.Duration
	NotFoundGrace    time.Duration
	Passive          bool
	// Archive
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioSecure    bool
	GitArchiveDir  string
	// Board directory
	MeiliURL       string
	MeiliMasterKey string
	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from defaults, an optional board.toml and
// FULLSCREEN_* environment variables, in increasing priority.
func Load() (Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file path. An empty path searches
// the working directory and the user config directory.
func LoadFrom(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FULLSCREEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("board")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "fullscreen"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		RelayURL:         v.GetString("relay.url"),
		RelayAddr:        v.GetString("relay.addr"),
		RelayLogCap:      v.GetInt("relay.log_cap"),
		RedisURL:         v.GetString("redis.url"),
		DataDir:          v.GetString("data.dir"),
		DatabaseURL:      v.GetString("database.url"),
		IdentityFile:     v.GetString("identity.file"),
		PresenceThrottle: v.GetDuration("presence.throttle"),
		NotFoundGrace:    v.GetDuration("status.not_found_grace"),
		Passive:          v.GetBool("session.passive"),
		MinioEndpoint:    v.GetString("archive.minio.endpoint"),
		MinioAccessKey:   v.GetString("archive.minio.access_key"),
		MinioSecretKey:   v.GetString("archive.minio.secret_key"),
		MinioBucket:      v.GetString("archive.minio.bucket"),
		MinioSecure:      v.GetBool("archive.minio.secure"),
		GitArchiveDir:    v.GetString("archive.git_dir"),
		MeiliURL:         v.GetString("meili.url"),
		MeiliMasterKey:   v.GetString("meili.key"),
		LogLevel:         v.GetString("log.level"),
		LogFormat:        v.GetString("log.format"),
	}
	if cfg.PresenceThrottle <= 0 {
		cfg.PresenceThrottle = 150 * time.Millisecond
	}
	if cfg.NotFoundGrace < 0 {
		cfg.NotFoundGrace = 0
	}
	if cfg.RelayLogCap <= 0 {
		cfg.RelayLogCap = 4096
	}
	if cfg.IdentityFile == "" && cfg.DataDir != "" {
		cfg.IdentityFile = filepath.Join(cfg.DataDir, "identity.toml")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	dataDir := "./data"
	if dir, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "fullscreen")
	}

	v.SetDefault("relay.url", "ws://localhost:8788")
	v.SetDefault("relay.addr", ":8788")
	v.SetDefault("relay.log_cap", 4096)
	// Redis relay is used instead of the websocket relay when set.
	v.SetDefault("redis.url", "")
	v.SetDefault("data.dir", dataDir)
	v.SetDefault("database.url", "")
	v.SetDefault("identity.file", "")
	v.SetDefault("presence.throttle", 150*time.Millisecond)
	v.SetDefault("status.not_found_grace", time.Second)
	v.SetDefault("session.passive", true)
	v.SetDefault("archive.minio.endpoint", "")
	v.SetDefault("archive.minio.access_key", "")
	v.SetDefault("archive.minio.secret_key", "")
	v.SetDefault("archive.minio.bucket", "fullscreen-boards")
	v.SetDefault("archive.minio.secure", false)
	v.SetDefault("archive.git_dir", filepath.Join(dataDir, "history"))
	v.SetDefault("meili.url", "")
	v.SetDefault("meili.key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}
