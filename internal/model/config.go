package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// AccountConfig holds the non-secret connection settings for one
// account as declared in the config file. The password or OAuth
// refresh token is looked up in the system keyring by account id.
type AccountConfig struct {
	ID               string `mapstructure:"id" yaml:"id"`
	Email            string `mapstructure:"email" yaml:"email"`
	Provider         string `mapstructure:"provider" yaml:"provider"`
	IMAPHost         string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort         int    `mapstructure:"imap_port" yaml:"imap_port"`
	Username         string `mapstructure:"username" yaml:"username"`
	AuthMethod       string `mapstructure:"auth_method" yaml:"auth_method"`
	SentPerRecipient bool   `mapstructure:"sent_per_recipient" yaml:"sent_per_recipient"`
}

// SyncConfig exposes the pull-side tuning knobs. The scan window and
// deep-scan interval are configuration rather than policy: the
// defaults are carried over unchanged from the system this replaces.
type SyncConfig struct {
	// FetchFirstCount is how many of the most recent messages the very
	// first sync of a folder pulls.
	FetchFirstCount uint32 `mapstructure:"fetch_first_count" yaml:"fetch_first_count"`

	// FetchBatchCount bounds each older-mail backfill range.
	FetchBatchCount uint32 `mapstructure:"fetch_batch_count" yaml:"fetch_batch_count"`

	// ShallowScanUIDCount is the attribute-scan window used when the
	// server does not support CONDSTORE.
	ShallowScanUIDCount uint32 `mapstructure:"shallow_scan_uid_count" yaml:"shallow_scan_uid_count"`

	// DeepScanIntervalSec is how stale TimeDeepScan may get before the
	// next run does a full existence scan instead of a shallow one.
	DeepScanIntervalSec int `mapstructure:"deep_scan_interval_sec" yaml:"deep_scan_interval_sec"`

	// PollIntervalSec is the per-folder sync loop period.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// UnknownUIDBatchSize and UnknownUIDMaxBatches bound one
	// SyncUnknownUIDs invocation; leftovers re-enqueue themselves.
	UnknownUIDBatchSize  int `mapstructure:"unknown_uid_batch_size" yaml:"unknown_uid_batch_size"`
	UnknownUIDMaxBatches int `mapstructure:"unknown_uid_max_batches" yaml:"unknown_uid_max_batches"`

	// OperationTimeoutSec caps any single queued IMAP operation.
	OperationTimeoutSec int `mapstructure:"operation_timeout_sec" yaml:"operation_timeout_sec"`
}

// APIConfig holds the local REST facade settings.
type APIConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	DBPath   string          `mapstructure:"db_path" yaml:"db_path"`
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
	API      APIConfig       `mapstructure:"api" yaml:"api"`
}

// DefaultConfigPath returns the default path for the configuration
// file, located at ~/.config/mailmirror/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailmirror", "config.yaml")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailmirror.db")
	}
	return filepath.Join(home, ".local", "share", "mailmirror", "mailmirror.db")
}

// defaultAppConfig returns a configuration with every tunable at the
// value the original engine shipped with.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		DBPath: defaultDBPath(),
		Sync: SyncConfig{
			FetchFirstCount:      100,
			FetchBatchCount:      200,
			ShallowScanUIDCount:  1000,
			DeepScanIntervalSec:  300,
			PollIntervalSec:      120,
			UnknownUIDBatchSize:  25,
			UnknownUIDMaxBatches: 20,
			OperationTimeoutSec:  120,
		},
		API: APIConfig{Listen: "127.0.0.1:2578"},
	}
}

// LoadConfig reads configuration from the given YAML file path using
// Viper. If the file does not exist, it returns the defaults.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("db_path", defaultDBPath())
	v.SetDefault("sync.fetch_first_count", 100)
	v.SetDefault("sync.fetch_batch_count", 200)
	v.SetDefault("sync.shallow_scan_uid_count", 1000)
	v.SetDefault("sync.deep_scan_interval_sec", 300)
	v.SetDefault("sync.poll_interval_sec", 120)
	v.SetDefault("sync.unknown_uid_batch_size", 25)
	v.SetDefault("sync.unknown_uid_max_batches", 20)
	v.SetDefault("sync.operation_timeout_sec", 120)
	v.SetDefault("api.listen", "127.0.0.1:2578")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		if cfg.Accounts[i].IMAPPort == 0 {
			cfg.Accounts[i].IMAPPort = 993
		}
		if cfg.Accounts[i].Provider == "" {
			cfg.Accounts[i].Provider = string(ProviderIMAP)
		}
		if cfg.Accounts[i].AuthMethod == "" {
			cfg.Accounts[i].AuthMethod = string(AuthPassword)
		}
	}

	return cfg, nil
}

// Account converts a config entry into the persisted account model.
func (c AccountConfig) Account() Account {
	return Account{
		ID:               c.ID,
		Email:            c.Email,
		Provider:         Provider(c.Provider),
		IMAPHost:         c.IMAPHost,
		IMAPPort:         c.IMAPPort,
		Username:         c.Username,
		AuthMethod:       AuthMethod(c.AuthMethod),
		SentPerRecipient: c.SentPerRecipient,
	}
}
