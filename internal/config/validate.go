package config

import (
	"fmt"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var knownHives = map[string]bool{
	"HKCU":               true,
	"HKEY_CURRENT_USER":  true,
	"HKLM":               true,
	"HKEY_LOCAL_MACHINE": true,
}

var knownMirrorProviders = map[string]bool{
	"":      true,
	"local": true,
	"s3":    true,
	"gcs":   true,
	"azure": true,
	"b2":    true,
}

// ValidationResult splits config problems into those that must stop the
// program and those that were corrected or can be ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal problem was found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config. Out-of-range numbers are clamped and
// reported as warnings; values that would make the engine touch the wrong
// file are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if strings.TrimSpace(c.TargetBinary) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("target_binary must not be empty"))
	} else if strings.ContainsAny(c.TargetBinary, `/\`) {
		r.Fatals = append(r.Fatals, fmt.Errorf("target_binary %q must be a file name, not a path", c.TargetBinary))
	}

	if strings.TrimSpace(c.TargetProcess) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("target_process must not be empty"))
	}

	if c.BackupSuffix == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("backup_suffix must not be empty"))
	} else if strings.ContainsAny(c.BackupSuffix, `/\`) {
		r.Fatals = append(r.Fatals, fmt.Errorf("backup_suffix %q must not contain path separators", c.BackupSuffix))
	}

	for i, k := range c.RegistryKeys {
		if !knownHives[strings.ToUpper(k.Hive)] {
			r.Fatals = append(r.Fatals, fmt.Errorf("registry_keys[%d]: unknown hive %q (use HKCU or HKLM)", i, k.Hive))
		}
		if k.Path == "" || k.Value == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("registry_keys[%d]: path and value are required", i))
		}
	}

	provider := strings.ToLower(c.Mirror.Provider)
	if !knownMirrorProviders[provider] {
		r.Fatals = append(r.Fatals, fmt.Errorf("mirror.provider %q is not valid (use local, s3, gcs, azure or b2)", c.Mirror.Provider))
	}
	switch provider {
	case "local":
		if c.Mirror.LocalPath == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("mirror.local_path is required for the local provider"))
		}
	case "s3":
		if c.Mirror.S3Bucket == "" || c.Mirror.S3Region == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("mirror.s3_bucket and mirror.s3_region are required for the s3 provider"))
		}
	case "gcs":
		if c.Mirror.GCSBucket == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("mirror.gcs_bucket is required for the gcs provider"))
		}
	case "azure":
		if c.Mirror.AzureConnectionString == "" || c.Mirror.AzureContainer == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("mirror.azure_connection_string and mirror.azure_container are required for the azure provider"))
		}
	case "b2":
		if c.Mirror.B2AccountID == "" || c.Mirror.B2ApplicationKey == "" || c.Mirror.B2Bucket == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("mirror.b2_account_id, mirror.b2_application_key and mirror.b2_bucket are required for the b2 provider"))
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	r.Warnings = append(r.Warnings, clamp("log_max_size_mb", &c.LogMaxSizeMB, 1, 500)...)
	r.Warnings = append(r.Warnings, clamp("log_max_backups", &c.LogMaxBackups, 1, 20)...)
	r.Warnings = append(r.Warnings, clamp("journal_max_size_mb", &c.JournalMaxSizeMB, 1, 500)...)
	r.Warnings = append(r.Warnings, clamp("max_concurrent_targets", &c.MaxConcurrentTargets, 1, 16)...)

	return r
}

func clamp(name string, v *int, min, max int) []error {
	switch {
	case *v < min:
		err := fmt.Errorf("%s %d is below minimum %d, clamping", name, *v, min)
		*v = min
		return []error{err}
	case *v > max:
		err := fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *v, max)
		*v = max
		return []error{err}
	}
	return nil
}
