// Package config defines the qqclaw configuration and its on-disk formats.
package config

import "time"

// Config is the merged qqclaw configuration.
type Config struct {
	Log      LogConfig        `json:"log" toml:"log" yaml:"log"`
	API      APIConfig        `json:"api" toml:"api" yaml:"api"`
	Accounts []AccountConfig  `json:"accounts" toml:"accounts" yaml:"accounts"`
	Media    MediaConfig      `json:"media" toml:"media" yaml:"media"`
	Archive  ArchiveConfig    `json:"archive" toml:"archive" yaml:"archive"`
	Announce []AnnounceConfig `json:"announce" toml:"announce" yaml:"announce"`
	Reply    ReplyConfig      `json:"reply" toml:"reply" yaml:"reply"`
}

// LogConfig controls the global logger. Bools are phrased so the zero
// value is the default; the defaults merge only fills empty fields.
type LogConfig struct {
	Level    string `json:"level" toml:"level" yaml:"level"`
	File     string `json:"file" toml:"file" yaml:"file"`
	NoCaller bool   `json:"noCaller" toml:"noCaller" yaml:"noCaller"`
}

// APIConfig points at the vendor REST surface.
// BaseURL can be switched to the sandbox environment for testing.
type APIConfig struct {
	BaseURL        string  `json:"baseUrl" toml:"baseUrl" yaml:"baseUrl"`
	TokenURL       string  `json:"tokenUrl" toml:"tokenUrl" yaml:"tokenUrl"`
	TimeoutSeconds int     `json:"timeoutSeconds" toml:"timeoutSeconds" yaml:"timeoutSeconds"`
	SendsPerSecond float64 `json:"sendsPerSecond" toml:"sendsPerSecond" yaml:"sendsPerSecond"`
	SendBurst      int     `json:"sendBurst" toml:"sendBurst" yaml:"sendBurst"`
}

// Timeout returns the REST timeout as a duration.
func (a APIConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// AccountConfig identifies one bot account.
type AccountConfig struct {
	AppID        string `json:"appId" toml:"appId" yaml:"appId"`
	ClientSecret string `json:"clientSecret" toml:"clientSecret" yaml:"clientSecret"`
}

// MediaConfig controls the local media store. MaxSizeMB caps a single
// stored or downloaded file, not the directory.
type MediaConfig struct {
	Dir       string `json:"dir" toml:"dir" yaml:"dir"`
	TTLHours  int    `json:"ttlHours" toml:"ttlHours" yaml:"ttlHours"`
	MaxSizeMB int64  `json:"maxSizeMb" toml:"maxSizeMb" yaml:"maxSizeMb"`
}

// ArchiveConfig controls the sqlite message archive. The archive is on
// unless disabled.
type ArchiveConfig struct {
	Disabled bool   `json:"disabled" toml:"disabled" yaml:"disabled"`
	Path     string `json:"path" toml:"path" yaml:"path"`
}

// AnnounceConfig is one scheduled proactive send.
// Target is "c2c:<openid>", "group:<group_openid>" or "channel:<channel_id>".
type AnnounceConfig struct {
	Name     string `json:"name" toml:"name" yaml:"name"`
	Cron     string `json:"cron" toml:"cron" yaml:"cron"`
	Timezone string `json:"timezone" toml:"timezone" yaml:"timezone"`
	Target   string `json:"target" toml:"target" yaml:"target"`
	Content  string `json:"content" toml:"content" yaml:"content"`
}

// ReplyConfig selects the built-in responder used when no external
// collaborator is wired in. Mode is "echo", "ack" or "none".
type ReplyConfig struct {
	Mode string `json:"mode" toml:"mode" yaml:"mode"`
	Text string `json:"text" toml:"text" yaml:"text"`
}

// Defaults returns the baseline configuration merged under any loaded file.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		API: APIConfig{
			BaseURL:        "https://api.sgroup.qq.com",
			TokenURL:       "https://bots.qq.com/app/getAppAccessToken",
			TimeoutSeconds: 30,
			SendsPerSecond: 4,
			SendBurst:      4,
		},
		Media: MediaConfig{
			TTLHours:  72,
			MaxSizeMB: 32,
		},
		Reply: ReplyConfig{
			Mode: "echo",
		},
	}
}
