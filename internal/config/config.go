package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// RegistryKey names one registry value that may hold the install directory.
type RegistryKey struct {
	Hive  string `mapstructure:"hive"`
	Path  string `mapstructure:"path"`
	Value string `mapstructure:"value"`
}

// MirrorConfig selects where a copy of each fresh backup is uploaded.
type MirrorConfig struct {
	Provider   string `mapstructure:"provider"` // "", "local", "s3", "gcs", "azure" or "b2"
	LocalPath  string `mapstructure:"local_path"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Region   string `mapstructure:"s3_region"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Endpoint string `mapstructure:"s3_endpoint"`

	// Optional static credentials; the default AWS chain is used otherwise.
	S3AccessKeyID     string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string `mapstructure:"s3_secret_access_key"`

	GCSBucket          string `mapstructure:"gcs_bucket"`
	GCSPrefix          string `mapstructure:"gcs_prefix"`
	GCSCredentialsFile string `mapstructure:"gcs_credentials_file"`

	AzureConnectionString string `mapstructure:"azure_connection_string"`
	AzureContainer        string `mapstructure:"azure_container"`
	AzurePrefix           string `mapstructure:"azure_prefix"`

	B2AccountID      string `mapstructure:"b2_account_id"`
	B2ApplicationKey string `mapstructure:"b2_application_key"`
	B2Bucket         string `mapstructure:"b2_bucket"`
	B2Prefix         string `mapstructure:"b2_prefix"`
}

type Config struct {
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	TargetBinary         string        `mapstructure:"target_binary"`
	TargetProcess        string        `mapstructure:"target_process"`
	RegistryKeys         []RegistryKey `mapstructure:"registry_keys"`
	BackupSuffix         string        `mapstructure:"backup_suffix"`
	DetectAlreadyPatched bool          `mapstructure:"detect_already_patched"`
	CheckFreeSpace       bool          `mapstructure:"check_free_space"`

	JournalPath      string `mapstructure:"journal_path"`
	JournalMaxSizeMB int    `mapstructure:"journal_max_size_mb"`

	MaxConcurrentTargets int `mapstructure:"max_concurrent_targets"`

	Mirror MirrorConfig `mapstructure:"mirror"`
}

func Default() *Config {
	return &Config{
		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  10,
		LogMaxBackups: 3,
		TargetBinary:  "WeChatWin.dll",
		TargetProcess: "WeChat.exe",
		RegistryKeys: []RegistryKey{
			{Hive: "HKCU", Path: `Software\Tencent\WeChat`, Value: "InstallPath"},
			{Hive: "HKLM", Path: `Software\WOW6432Node\Tencent\WeChat`, Value: "InstallPath"},
		},
		BackupSuffix:         ".bak",
		DetectAlreadyPatched: true,
		CheckFreeSpace:       true,
		JournalPath:          filepath.Join(GetDataDir(), "journal.jsonl"),
		JournalMaxSizeMB:     5,
		MaxConcurrentTargets: 2,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("recallguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	// Registering scalar defaults lets RECALLGUARD_* variables reach Unmarshal.
	for key, val := range map[string]any{
		"log_level":              cfg.LogLevel,
		"log_format":             cfg.LogFormat,
		"log_file":               cfg.LogFile,
		"log_max_size_mb":        cfg.LogMaxSizeMB,
		"log_max_backups":        cfg.LogMaxBackups,
		"target_binary":          cfg.TargetBinary,
		"target_process":         cfg.TargetProcess,
		"backup_suffix":          cfg.BackupSuffix,
		"detect_already_patched": cfg.DetectAlreadyPatched,
		"check_free_space":       cfg.CheckFreeSpace,
		"journal_path":           cfg.JournalPath,
		"journal_max_size_mb":    cfg.JournalMaxSizeMB,
		"max_concurrent_targets": cfg.MaxConcurrentTargets,
	} {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix("RECALLGUARD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// GetDataDir returns the directory holding the patch journal.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
			return filepath.Join(dir, "RecallGuard")
		}
		return filepath.Join(os.Getenv("ProgramData"), "RecallGuard")
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", "RecallGuard")
		}
		return "/Library/Application Support/RecallGuard"
	default:
		if dir, err := os.UserCacheDir(); err == nil {
			return filepath.Join(dir, "recallguard")
		}
		return "/var/lib/recallguard"
	}
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "RecallGuard")
	}
	return "."
}
