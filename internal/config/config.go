package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the chat service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	ChannelBase            string
	JWTSecret              string
	MetricsToken           string
	CORSOrigins            string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	ImageMaxSizeMB         int
	Chat                   ChatSettings
}

// ChatSettings groups the timing constants of the chat core.
type ChatSettings struct {
	PermissionCacheTTL   time.Duration
	TypingTTL            time.Duration
	TypingIdle           time.Duration
	UnreadBacklog        time.Duration
	UnreadSuppression    time.Duration
	BadgeRecompute       time.Duration
	TemporaryBan         time.Duration
	PageSize             int
	ListenerMaxRetries   uint64
	ListenerInitialDelay time.Duration
}

// DefaultChatSettings returns the values the chat core was designed around.
func DefaultChatSettings() ChatSettings {
	return ChatSettings{
		PermissionCacheTTL:   300 * time.Second,
		TypingTTL:            5 * time.Second,
		TypingIdle:           3 * time.Second,
		UnreadBacklog:        7 * 24 * time.Hour,
		UnreadSuppression:    5 * time.Second,
		BadgeRecompute:       time.Second,
		TemporaryBan:         24 * time.Hour,
		PageSize:             20,
		ListenerMaxRetries:   5,
		ListenerInitialDelay: 500 * time.Millisecond,
	}
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("BANDROOM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	defaults := DefaultChatSettings()

	v.SetDefault("app.name", "Bandroom Chat")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("channel.base", "bandroom")
	v.SetDefault("cors.origins", "*")
	v.SetDefault("cloudinary.folder", "bandroom/chat")
	v.SetDefault("image.max_size_mb", 10)
	v.SetDefault("permission.cache_ttl", defaults.PermissionCacheTTL.String())
	v.SetDefault("typing.ttl", defaults.TypingTTL.String())
	v.SetDefault("typing.idle", defaults.TypingIdle.String())
	v.SetDefault("unread.backlog", defaults.UnreadBacklog.String())
	v.SetDefault("unread.suppression", defaults.UnreadSuppression.String())
	v.SetDefault("unread.recompute_interval", defaults.BadgeRecompute.String())
	v.SetDefault("moderation.temp_ban", defaults.TemporaryBan.String())
	v.SetDefault("chat.page_size", defaults.PageSize)
	v.SetDefault("listener.max_retries", defaults.ListenerMaxRetries)
	v.SetDefault("listener.initial_delay", defaults.ListenerInitialDelay.String())

	durations := map[string]*time.Duration{}
	settings := defaults
	durations["permission.cache_ttl"] = &settings.PermissionCacheTTL
	durations["typing.ttl"] = &settings.TypingTTL
	durations["typing.idle"] = &settings.TypingIdle
	durations["unread.backlog"] = &settings.UnreadBacklog
	durations["unread.suppression"] = &settings.UnreadSuppression
	durations["unread.recompute_interval"] = &settings.BadgeRecompute
	durations["moderation.temp_ban"] = &settings.TemporaryBan
	durations["listener.initial_delay"] = &settings.ListenerInitialDelay

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", key)
		}
		*target = parsed
	}

	settings.PageSize = v.GetInt("chat.page_size")
	if settings.PageSize <= 0 || settings.PageSize > 100 {
		settings.PageSize = defaults.PageSize
	}
	settings.ListenerMaxRetries = v.GetUint64("listener.max_retries")

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		ChannelBase:            v.GetString("channel.base"),
		JWTSecret:              v.GetString("jwt.secret"),
		MetricsToken:           v.GetString("metrics.token"),
		CORSOrigins:            v.GetString("cors.origins"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		ImageMaxSizeMB:         v.GetInt("image.max_size_mb"),
		Chat:                   settings,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.ImageMaxSizeMB <= 0 {
		cfg.ImageMaxSizeMB = 10
	}

	return cfg, nil
}
