package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Migration MigrationConfig `yaml:"migration"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Remote    RemoteConfig    `yaml:"remote"`
	Metadata  MetadataConfig  `yaml:"metadata"`
}

// DeliveryConfig describes where delivery batches are found and how their
// directories are named.
type DeliveryConfig struct {
	OutputDir           string `yaml:"output_dir"`
	TriggerSuffix       string `yaml:"trigger_suffix"`
	DeliveredSuffix     string `yaml:"delivered_suffix"`
	IgnoreTriggerSuffix bool   `yaml:"ignore_trigger_suffix"`
	ManifestExtension   string `yaml:"manifest_extension"`
}

// MigrationConfig holds transfer behaviour switches
type MigrationConfig struct {
	Parallelize  int    `yaml:"parallelize"`
	ChunkSize    string `yaml:"chunk_size"`
	ForceUploads bool   `yaml:"force_uploads"`
	RetryFailed  bool   `yaml:"retry_failed"`
	StubFile     string `yaml:"stub_file"`
	WarnMissing  bool   `yaml:"warn_missing"`
	SkipUploads  bool   `yaml:"skip_uploads"`
}

// LedgerConfig selects the migration ledger database
type LedgerConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
}

// RemoteConfig selects and configures the remote document store
type RemoteConfig struct {
	Backend    string           `yaml:"backend"` // "sharepoint" or "s3"
	SharePoint SharePointConfig `yaml:"sharepoint"`
	S3         S3Config         `yaml:"s3"`
}

// SharePointConfig configures the SharePoint REST backend. The token is a
// pre-issued bearer token; acquiring it is outside this tool.
type SharePointConfig struct {
	SiteURL    string        `yaml:"site_url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// S3Config configures the S3 backend
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// MetadataConfig names the remote properties written by the pipeline
type MetadataConfig struct {
	ContentType       string   `yaml:"content_type"`
	DocumentTypeField string   `yaml:"document_type_field"`
	DateFields        []string `yaml:"date_fields"`
	UnknownDate       string   `yaml:"unknown_date"`
	KeyField          string   `yaml:"key_field"`
	GroupField        string   `yaml:"group_field"`
	SectionField      string   `yaml:"section_field"`
	TownshipField     string   `yaml:"township_field"`
	RangeField        string   `yaml:"range_field"`
	DisplayNameField  string   `yaml:"display_name_field"`
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Delivery: DeliveryConfig{
			TriggerSuffix:     "_Deliver",
			DeliveredSuffix:   "_Delivered",
			ManifestExtension: ".csv",
		},
		Migration: MigrationConfig{
			Parallelize: 5,
			ChunkSize:   "1MiB",
		},
		Ledger: LedgerConfig{
			Driver: "sqlite",
			DSN:    "/var/lib/docmigrate/ledger.db",
			Table:  "migrations",
		},
		Remote: RemoteConfig{
			Backend: "sharepoint",
			SharePoint: SharePointConfig{
				Timeout:    0,
				MaxRetries: 3,
			},
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Metadata: MetadataConfig{
			ContentType:       "Well Information",
			DocumentTypeField: "Document_x0020_Type",
			DateFields:        []string{"Date", "Date1", "Date11"},
			UnknownDate:       "09-09-9999",
			KeyField:          "API",
			GroupField:        "Field_x0020_Name",
			SectionField:      "Section",
			TownshipField:     "Township",
			RangeField:        "Range",
			DisplayNameField:  "Well_x0020_Name",
		},
	}
}

// Load reads a config file from the given path. ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"docmigrate.yaml",
		"/etc/docmigrate/docmigrate.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "docmigrate", "docmigrate.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks the settings a migration run cannot work without.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Delivery.OutputDir) == "" {
		problems = append(problems, "delivery.output_dir is required")
	}
	if !c.Delivery.IgnoreTriggerSuffix && c.Delivery.TriggerSuffix == "" {
		problems = append(problems, "delivery.trigger_suffix is required unless ignore_trigger_suffix is set")
	}
	if c.Delivery.DeliveredSuffix == "" {
		problems = append(problems, "delivery.delivered_suffix is required")
	}
	if c.Delivery.TriggerSuffix != "" && c.Delivery.TriggerSuffix == c.Delivery.DeliveredSuffix {
		problems = append(problems, "delivery.trigger_suffix and delivery.delivered_suffix must differ")
	}
	if c.Migration.Parallelize < 0 {
		problems = append(problems, "migration.parallelize must not be negative")
	}
	if _, err := c.ChunkSizeBytes(); err != nil {
		problems = append(problems, err.Error())
	}
	if !tableNamePattern.MatchString(c.Ledger.Table) {
		problems = append(problems, fmt.Sprintf("ledger.table %q is not a valid table name", c.Ledger.Table))
	}
	switch c.Ledger.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("ledger.driver %q is not supported", c.Ledger.Driver))
	}
	switch c.Remote.Backend {
	case "sharepoint":
		if c.Remote.SharePoint.SiteURL == "" {
			problems = append(problems, "remote.sharepoint.site_url is required")
		}
	case "s3":
		if c.Remote.S3.Bucket == "" {
			problems = append(problems, "remote.s3.bucket is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("remote.backend %q is not supported", c.Remote.Backend))
	}
	if len(c.Metadata.DateFields) == 0 {
		problems = append(problems, "metadata.date_fields must list at least one field")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ChunkSizeBytes parses migration.chunk_size ("1MiB", "4MB", "1048576").
func (c *Config) ChunkSizeBytes() (int64, error) {
	if strings.TrimSpace(c.Migration.ChunkSize) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Migration.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("migration.chunk_size %q: %w", c.Migration.ChunkSize, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("migration.chunk_size must be positive")
	}
	return int64(n), nil
}
