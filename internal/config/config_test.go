package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		getValue func(*Config) string
		want     string
	}{
		{"trigger suffix", func(c *Config) string { return c.Delivery.TriggerSuffix }, "_Deliver"},
		{"delivered suffix", func(c *Config) string { return c.Delivery.DeliveredSuffix }, "_Delivered"},
		{"manifest extension", func(c *Config) string { return c.Delivery.ManifestExtension }, ".csv"},
		{"chunk size", func(c *Config) string { return c.Migration.ChunkSize }, "1MiB"},
		{"ledger driver", func(c *Config) string { return c.Ledger.Driver }, "sqlite"},
		{"ledger table", func(c *Config) string { return c.Ledger.Table }, "migrations"},
		{"remote backend", func(c *Config) string { return c.Remote.Backend }, "sharepoint"},
		{"content type", func(c *Config) string { return c.Metadata.ContentType }, "Well Information"},
		{"unknown date", func(c *Config) string { return c.Metadata.UnknownDate }, "09-09-9999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.getValue(cfg)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if cfg.Migration.Parallelize != 5 {
		t.Errorf("Migration.Parallelize = %d, want 5", cfg.Migration.Parallelize)
	}

	want := []string{"Date", "Date1", "Date11"}
	if strings.Join(cfg.Metadata.DateFields, ",") != strings.Join(want, ",") {
		t.Errorf("Metadata.DateFields = %v, want %v", cfg.Metadata.DateFields, want)
	}

	size, err := cfg.ChunkSizeBytes()
	if err != nil {
		t.Fatalf("ChunkSizeBytes() failed: %v", err)
	}
	if size != 1048576 {
		t.Errorf("ChunkSizeBytes() = %d, want 1048576", size)
	}
}

// TestLoad tests loading a valid config file
func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "docmigrate.yaml")

	t.Setenv("DOCMIGRATE_TEST_TOKEN", "secret-token")

	configContent := `
delivery:
  output_dir: "/data/deliveries"
  trigger_suffix: "_Ready"
migration:
  parallelize: 8
  retry_failed: true
  chunk_size: "4MB"
ledger:
  driver: postgres
  dsn: "postgres://migrator@db/records?sslmode=disable"
  table: "aera_migrations"
remote:
  backend: sharepoint
  sharepoint:
    site_url: "https://contoso.sharepoint.com/sites/wells"
    token: "${DOCMIGRATE_TEST_TOKEN}"
    timeout: 45s
metadata:
  date_fields: ["DocDate"]
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Delivery.OutputDir != "/data/deliveries" {
		t.Errorf("Delivery.OutputDir = %q, want %q", cfg.Delivery.OutputDir, "/data/deliveries")
	}
	if cfg.Delivery.TriggerSuffix != "_Ready" {
		t.Errorf("Delivery.TriggerSuffix = %q, want %q", cfg.Delivery.TriggerSuffix, "_Ready")
	}
	// Unset keys keep their defaults
	if cfg.Delivery.DeliveredSuffix != "_Delivered" {
		t.Errorf("Delivery.DeliveredSuffix = %q, want default", cfg.Delivery.DeliveredSuffix)
	}
	if cfg.Migration.Parallelize != 8 {
		t.Errorf("Migration.Parallelize = %d, want 8", cfg.Migration.Parallelize)
	}
	if !cfg.Migration.RetryFailed {
		t.Error("Migration.RetryFailed = false, want true")
	}
	if cfg.Ledger.Table != "aera_migrations" {
		t.Errorf("Ledger.Table = %q, want %q", cfg.Ledger.Table, "aera_migrations")
	}
	if cfg.Remote.SharePoint.Token != "secret-token" {
		t.Errorf("Remote.SharePoint.Token = %q, want expanded env value", cfg.Remote.SharePoint.Token)
	}
	if cfg.Remote.SharePoint.Timeout != 45*time.Second {
		t.Errorf("Remote.SharePoint.Timeout = %v, want 45s", cfg.Remote.SharePoint.Timeout)
	}
	if len(cfg.Metadata.DateFields) != 1 || cfg.Metadata.DateFields[0] != "DocDate" {
		t.Errorf("Metadata.DateFields = %v, want [DocDate]", cfg.Metadata.DateFields)
	}

	size, err := cfg.ChunkSizeBytes()
	if err != nil {
		t.Fatalf("ChunkSizeBytes() failed: %v", err)
	}
	if size != 4000000 {
		t.Errorf("ChunkSizeBytes() = %d, want 4000000", size)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
}

// TestLoadInvalidYAML tests that Load returns an error for invalid YAML
func TestLoadInvalidYAML(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "invalid.yaml")

	invalidContent := `
delivery:
  output_dir: "/data"
  invalid: [unclosed bracket
`

	if err := os.WriteFile(configFile, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := Load(configFile)
	if err == nil {
		t.Fatal("Load() succeeded, want error for invalid YAML")
	}
}

// TestLoadNonexistentFile tests that Load returns an error for missing files
func TestLoadNonexistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("Load() succeeded, want error for nonexistent file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Delivery.OutputDir = "/data"
		cfg.Remote.SharePoint.SiteURL = "https://contoso.sharepoint.com/sites/wells"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing output dir", func(c *Config) { c.Delivery.OutputDir = "" }, "delivery.output_dir"},
		{"missing trigger suffix", func(c *Config) { c.Delivery.TriggerSuffix = "" }, "delivery.trigger_suffix"},
		{"gate disabled without suffix", func(c *Config) {
			c.Delivery.TriggerSuffix = ""
			c.Delivery.IgnoreTriggerSuffix = true
		}, ""},
		{"same suffixes", func(c *Config) { c.Delivery.TriggerSuffix = "_Delivered" }, "must differ"},
		{"bad table", func(c *Config) { c.Ledger.Table = "drop table;" }, "ledger.table"},
		{"bad driver", func(c *Config) { c.Ledger.Driver = "mssql" }, "ledger.driver"},
		{"bad chunk size", func(c *Config) { c.Migration.ChunkSize = "lots" }, "chunk_size"},
		{"s3 without bucket", func(c *Config) { c.Remote.Backend = "s3" }, "remote.s3.bucket"},
		{"unknown backend", func(c *Config) { c.Remote.Backend = "ftp" }, "remote.backend"},
		{"no date fields", func(c *Config) { c.Metadata.DateFields = nil }, "metadata.date_fields"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestFindConfigFileInWorkingDir tests discovery from the current directory
func TestFindConfigFileInWorkingDir(t *testing.T) {
	originalWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}

	tempDir := t.TempDir()
	if err := os.Chdir(tempDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(originalWd); err != nil {
			t.Fatalf("failed to restore working directory: %v", err)
		}
	})

	if err := os.WriteFile("docmigrate.yaml", []byte("delivery: {}\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	path, err := FindConfigFile()
	if err != nil {
		t.Fatalf("FindConfigFile() failed: %v", err)
	}
	if path != "docmigrate.yaml" {
		t.Errorf("FindConfigFile() = %q, want %q", path, "docmigrate.yaml")
	}
}
