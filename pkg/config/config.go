package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// BuilderConfig captures runtime settings for one coordinating builder.
// Board, overlay, and store-target values are routed through to the store
// connection unmodified; the coordinator does not interpret them.
type BuilderConfig struct {
	BuilderName string   `mapstructure:"builder_name"`
	Board       string   `mapstructure:"board"`
	Master      bool     `mapstructure:"master"`
	Hostname    string   `mapstructure:"hostname"`
	Peers       []string `mapstructure:"peers"`

	RevOverlays  string `mapstructure:"rev_overlays"`
	PushOverlays string `mapstructure:"push_overlays"`

	// ManifestVersions is the store target: a local tree path, or an
	// sftp://user@host:port/path URL for a remote tree.
	ManifestVersions string `mapstructure:"manifest_versions"`
	VersionFile      string `mapstructure:"version_file"`
	SyncBranch       string `mapstructure:"sync_branch"`

	// Projects lists "name=path@revision" entries for the published buildspec.
	Projects []string `mapstructure:"projects"`

	ListenAddr  string `mapstructure:"listen_addr"`
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`

	MaxWait       time.Duration `mapstructure:"max_wait"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	CycleInterval time.Duration `mapstructure:"cycle_interval"`

	SFTPUser     string `mapstructure:"sftp_user"`
	SFTPKeyFile  string `mapstructure:"sftp_key_file"`
	SFTPPassword string `mapstructure:"sftp_password"`
}

// LoadBuilder loads builder configuration from defaults, files, and env vars.
func LoadBuilder() (BuilderConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("LKGM")
	v.AutomaticEnv()

	v.SetDefault("builder_name", "x86-generic-pre-flight-queue")
	v.SetDefault("master", false)
	v.SetDefault("rev_overlays", "public")
	v.SetDefault("push_overlays", "")
	v.SetDefault("manifest_versions", "./manifest-versions")
	v.SetDefault("version_file", "./chromeos_version.sh")
	v.SetDefault("sync_branch", "origin/master")
	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("max_wait", 300*time.Second)
	v.SetDefault("poll_interval", 30*time.Second)
	v.SetDefault("cycle_interval", 5*time.Minute)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return BuilderConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg BuilderConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return BuilderConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.BuilderName == "" {
		return BuilderConfig{}, fmt.Errorf("builder_name must not be empty")
	}
	return cfg, nil
}
