// Package config loads and validates the run configuration: ZFS
// naming defaults, PBS repository parts, and the policy flags spec §6
// lists. It is loaded with viper (YAML file + environment + flag
// overrides) the way stratastor-rodent's config package loads its own
// YAML configuration, but returned as an explicit value rather than a
// package-level singleton, per spec §9's "Global process state" note:
// the Run Controller threads one Config through every component
// instead of components reading module-level constants.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/tjhop/zfs-pbs-backup/internal/orphan"
	"github.com/tjhop/zfs-pbs-backup/internal/pbsutil"
	"github.com/tjhop/zfs-pbs-backup/internal/zfsutil"
)

// PBS carries the repository parts and secret material for the PBS Adapter.
type PBS struct {
	Username   string `mapstructure:"username"`
	TokenName  string `mapstructure:"tokenName"`
	Server     string `mapstructure:"server"`
	Port       int    `mapstructure:"port"`
	Datastore  string `mapstructure:"datastore"`
	Repository string `mapstructure:"repository"` // pre-built string; wins over the parts above when set

	Password           string `mapstructure:"password"`
	EncryptionPassword string `mapstructure:"encryptionPassword"`
	Fingerprint        string `mapstructure:"fingerprint"`

	Namespace           string `mapstructure:"namespace"`
	BackupID            string `mapstructure:"backupID"`
	ArchiveNamePrefix   string `mapstructure:"archiveNamePrefix"`
	ChangeDetectionMode string `mapstructure:"changeDetectionMode"`
}

// Config is the full, validated run configuration threaded through the
// Run Controller and every component beneath it.
type Config struct {
	Roots []string `mapstructure:"roots"`

	IncludeProperty     string `mapstructure:"includeProperty"`
	TimestampProperty   string `mapstructure:"timestampProperty"`
	SnapshotPrefix      string `mapstructure:"snapshotPrefix"`
	HoldName            string `mapstructure:"holdName"`
	HoldSnapshots       bool   `mapstructure:"holdSnapshots"`
	ExcludeEmptyParents bool   `mapstructure:"excludeEmptyParents"`
	RemoveOrphans       string `mapstructure:"removeOrphans"`
	Resume              bool   `mapstructure:"resume"`
	Execute             bool   `mapstructure:"execute"`
	Verbose             bool   `mapstructure:"verbose"`

	StatusAddr  string `mapstructure:"statusAddr"`
	StatusToken string `mapstructure:"statusToken"`

	PBS PBS `mapstructure:"pbs"`
}

// DryRun is the inverse of Execute: the pipeline runs in dry-run mode
// unless --execute was given.
func (c Config) DryRun() bool { return !c.Execute }

// applyDefaults seeds viper with every default named in spec §6,
// mirroring the teacher's Config.ApplyDefaults / Properties.ApplyDefaults.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("includeProperty", zfsutil.DefaultIncludeProperty)
	v.SetDefault("timestampProperty", zfsutil.DefaultTimestampProperty)
	v.SetDefault("snapshotPrefix", zfsutil.DefaultSnapshotPrefix)
	v.SetDefault("holdName", zfsutil.DefaultHoldName)
	v.SetDefault("holdSnapshots", false)
	v.SetDefault("excludeEmptyParents", false)
	v.SetDefault("removeOrphans", string(orphan.PolicyOff))
	v.SetDefault("resume", false)
	v.SetDefault("execute", false)
	v.SetDefault("verbose", false)
	v.SetDefault("statusAddr", "")
	v.SetDefault("statusToken", "")
	v.SetDefault("pbs.port", 0)
	v.SetDefault("pbs.changeDetectionMode", string(pbsutil.ChangeDetectionData))
}

// New builds a viper instance with defaults applied, environment
// binding (ZFSPBSBACKUP_ prefix, "." replaced by "_"), and, if
// configFile is non-empty, that file merged in. It does not fail when
// configFile is empty: CLI flags and environment alone are valid.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetEnvPrefix("ZFSPBSBACKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config.New: reading %q: %w: %w", configFile, ErrConfig, err)
		}
	}
	return v, nil
}

// Load unmarshals a populated viper instance (after flags have been
// bound to it by cmd/) into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("config.Load: %w: %w", ErrConfig, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects configuration combinations spec §7 classifies as
// ConfigError: an unknown remove-orphans policy, an unknown
// change-detection mode, or a datastore-less PBS repository.
func (c Config) Validate() error {
	if len(c.Roots) == 0 {
		return fmt.Errorf("%w: at least one root dataset is required", ErrConfig)
	}
	if _, err := orphan.ParsePolicy(c.RemoveOrphans); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := pbsutil.ValidateChangeDetectionMode(pbsutil.ChangeDetectionMode(c.PBS.ChangeDetectionMode)); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if c.PBS.Repository == "" && c.PBS.Datastore == "" {
		return fmt.Errorf("%w: %w", ErrConfig, pbsutil.ErrMissingDatastore)
	}
	return nil
}

// Repository builds the PBS repository string, preferring an
// explicitly supplied Repository over the individual parts.
func (c Config) Repository() (string, error) {
	if c.PBS.Repository != "" {
		return c.PBS.Repository, nil
	}
	return pbsutil.BuildRepository(pbsutil.RepositoryParts{
		Username:  c.PBS.Username,
		TokenName: c.PBS.TokenName,
		Server:    c.PBS.Server,
		Port:      c.PBS.Port,
		Datastore: c.PBS.Datastore,
	})
}

// Secret builds the PBS Adapter's credential bundle from the loaded config.
func (c Config) Secret() pbsutil.Secret {
	return pbsutil.Secret{Password: c.PBS.Password}.
		WithEncryptionPassword(c.PBS.EncryptionPassword).
		WithFingerprint(c.PBS.Fingerprint)
}
