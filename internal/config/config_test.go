package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp(t.TempDir(), "extractor-test-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoad(t *testing.T) {
	configContent := `
source:
  host: localhost
  database: warehouse
  user: extractor
  password: secret
  read_timeout: 45s

destination:
  type: s3
  bucket: raw-data
  region: eu-west-1

state:
  backend: file
  path: /tmp/state.json

tables:
  - dim_users
  - name: fact_sales
    tracking_column: modified_at

ingest:
  concurrency: 4

alerts:
  enabled: false
`

	cfg, err := Load(writeConfig(t, configContent))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Source.Host != "localhost" {
		t.Errorf("expected host=localhost, got %s", cfg.Source.Host)
	}
	if cfg.Source.Port != 5432 {
		t.Errorf("expected default port 5432, got %d", cfg.Source.Port)
	}
	if cfg.Source.ReadTimeout != 45*time.Second {
		t.Errorf("expected read_timeout=45s, got %v", cfg.Source.ReadTimeout)
	}
	if cfg.Destination.Prefix != "bronze" {
		t.Errorf("expected default prefix bronze, got %s", cfg.Destination.Prefix)
	}
	if cfg.State.Backend != BackendFile {
		t.Errorf("expected file backend, got %s", cfg.State.Backend)
	}
	if cfg.Ingest.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Ingest.Concurrency)
	}

	names := cfg.TableNames()
	if len(names) != 2 || names[0] != "dim_users" || names[1] != "fact_sales" {
		t.Errorf("unexpected tables %v", names)
	}
	overrides := cfg.TrackingColumns()
	if len(overrides) != 1 || overrides["fact_sales"] != "modified_at" {
		t.Errorf("unexpected tracking overrides %v", overrides)
	}

	epoch := cfg.DefaultEpoch()
	if !epoch.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected default epoch %v", epoch)
	}
}

func TestLoadLegacyEnv(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_NAME", "prod")
	t.Setenv("DB_USER", "reader")
	t.Setenv("DB_PASS", "pw")
	t.Setenv("S3_RAW_BUCKET", "lake-raw")
	t.Setenv("TABLES", "dim_users,dim_products,fact_sales")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Source.Host != "db.internal" || cfg.Source.Database != "prod" {
		t.Errorf("legacy env not applied: %+v", cfg.Source)
	}
	if cfg.Destination.Bucket != "lake-raw" {
		t.Errorf("expected bucket lake-raw, got %s", cfg.Destination.Bucket)
	}
	if got := strings.Join(cfg.TableNames(), ","); got != "dim_users,dim_products,fact_sales" {
		t.Errorf("unexpected tables %s", got)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("EXTRACTOR_TEST_PASSWORD", "from-env")

	cfg, err := Load(writeConfig(t, `
source:
  host: localhost
  database: warehouse
  user: extractor
  password: ${EXTRACTOR_TEST_PASSWORD}
destination:
  bucket: raw-data
tables:
  - dim_users
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Source.Password != "from-env" {
		t.Errorf("expected expanded password, got %q", cfg.Source.Password)
	}
}

func TestLoadKeepsDollarInSecrets(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_NAME", "prod")
	t.Setenv("DB_USER", "reader")
	t.Setenv("DB_PASS", "pa$$w0rd$x")
	t.Setenv("S3_RAW_BUCKET", "lake-raw")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "abc$def")
	t.Setenv("TABLES", "fact_sales")

	t.Run("environment only", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Source.Password != "pa$$w0rd$x" {
			t.Errorf("password was altered: %q", cfg.Source.Password)
		}
		if cfg.Destination.SecretAccessKey != "abc$def" {
			t.Errorf("secret key was altered: %q", cfg.Destination.SecretAccessKey)
		}
	})

	t.Run("file references the variable", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, `
source:
  host: localhost
  database: warehouse
  user: extractor
  password: ${DB_PASS}
destination:
  bucket: raw-data
tables:
  - fact_sales
`))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Source.Password != "pa$$w0rd$x" {
			t.Errorf("password was altered: %q", cfg.Source.Password)
		}
	})
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/extractor.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func validConfig() Config {
	return Config{
		Source: SourceConfig{
			Host:     "localhost",
			Database: "warehouse",
			User:     "extractor",
		},
		Destination: DestinationConfig{Bucket: "raw-data"},
		Tables:      []TableConfig{{Name: "dim_users"}},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing host",
			modify:  func(c *Config) { c.Source.Host = "" },
			wantErr: true,
		},
		{
			name:    "missing database",
			modify:  func(c *Config) { c.Source.Database = "" },
			wantErr: true,
		},
		{
			name:    "missing user",
			modify:  func(c *Config) { c.Source.User = "" },
			wantErr: true,
		},
		{
			name:    "no tables",
			modify:  func(c *Config) { c.Tables = nil },
			wantErr: true,
		},
		{
			name: "duplicate table",
			modify: func(c *Config) {
				c.Tables = []TableConfig{{Name: "dim_users"}, {Name: "dim_users"}}
			},
			wantErr: true,
		},
		{
			name:    "missing bucket",
			modify:  func(c *Config) { c.Destination.Bucket = "" },
			wantErr: true,
		},
		{
			name: "local destination",
			modify: func(c *Config) {
				c.Destination = DestinationConfig{Type: DestinationLocal, Path: "/tmp/lake"}
			},
			wantErr: false,
		},
		{
			name:    "local destination without path",
			modify:  func(c *Config) { c.Destination = DestinationConfig{Type: DestinationLocal} },
			wantErr: true,
		},
		{
			name:    "unknown destination",
			modify:  func(c *Config) { c.Destination.Type = "gcs" },
			wantErr: true,
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.State.Backend = "redis" },
			wantErr: true,
		},
		{
			name:    "bad default watermark",
			modify:  func(c *Config) { c.State.DefaultWatermark = "yesterday" },
			wantErr: true,
		},
		{
			name:    "raft without cluster",
			modify:  func(c *Config) { c.State.Backend = BackendRaft },
			wantErr: true,
		},
		{
			name: "raft with cluster",
			modify: func(c *Config) {
				c.State.Backend = BackendRaft
				c.Cluster = ClusterConfig{NodeID: "node1", BindAddr: "127.0.0.1:7000", DataDir: "/data"}
			},
			wantErr: false,
		},
		{
			name:    "bad cron",
			modify:  func(c *Config) { c.Schedule.Cron = "every minute" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if cfg.Source.Port != 5432 {
		t.Errorf("expected port 5432, got %d", cfg.Source.Port)
	}
	if cfg.Source.Schema != "public" || cfg.Source.TrackingColumn != "updated_at" {
		t.Errorf("unexpected source defaults %+v", cfg.Source)
	}
	if cfg.Destination.Type != DestinationS3 || cfg.Destination.Prefix != "bronze" {
		t.Errorf("unexpected destination defaults %+v", cfg.Destination)
	}
	if cfg.State.Backend != BackendBolt || cfg.State.Path == "" {
		t.Errorf("unexpected state defaults %+v", cfg.State)
	}
	if cfg.Ingest.Concurrency != 1 {
		t.Errorf("expected concurrency 1, got %d", cfg.Ingest.Concurrency)
	}
}

func TestConnectionString(t *testing.T) {
	s := SourceConfig{Host: "db", Port: 5432, Database: "wh", User: "u", Password: "p w'x"}
	got := s.ConnectionString()
	want := `host=db port=5432 dbname=wh user=u password='p w\'x' sslmode=disable`
	if got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}

	if redacted := s.Redacted(); strings.Contains(redacted, "p w") {
		t.Errorf("Redacted leaked password: %s", redacted)
	}
}
