package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/lakehouse/extractor/internal/watermark"
)

const (
	BackendBolt = "bolt"
	BackendFile = "file"
	BackendRaft = "raft"

	DestinationS3    = "s3"
	DestinationLocal = "local"
)

type Config struct {
	Source      SourceConfig      `mapstructure:"source"`
	Destination DestinationConfig `mapstructure:"destination"`
	State       StateConfig       `mapstructure:"state"`
	Tables      []TableConfig     `mapstructure:"tables"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Log         LogConfig         `mapstructure:"log"`
}

type SourceConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	Schema          string        `mapstructure:"schema"`
	TrackingColumn  string        `mapstructure:"tracking_column"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	MaxConns        int32         `mapstructure:"max_conns"`
	ConnectAttempts uint          `mapstructure:"connect_attempts"`
}

type DestinationConfig struct {
	Type            string        `mapstructure:"type"`
	Bucket          string        `mapstructure:"bucket"`
	Prefix          string        `mapstructure:"prefix"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UsePathStyle    bool          `mapstructure:"use_path_style"`
	Path            string        `mapstructure:"path"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

type StateConfig struct {
	Backend          string `mapstructure:"backend"`
	Path             string `mapstructure:"path"`
	DefaultWatermark string `mapstructure:"default_watermark"`
}

// TableConfig names a source table. In YAML a table may be given as a bare
// name or as a mapping with an optional tracking column override.
type TableConfig struct {
	Name           string `mapstructure:"name"`
	TrackingColumn string `mapstructure:"tracking_column"`
}

type IngestConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type ScheduleConfig struct {
	Cron        string `mapstructure:"cron"`
	RunOnStart  bool   `mapstructure:"run_on_start"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type ClusterConfig struct {
	NodeID    string            `mapstructure:"node_id"`
	BindAddr  string            `mapstructure:"bind_addr"`
	DataDir   string            `mapstructure:"data_dir"`
	Bootstrap bool              `mapstructure:"bootstrap"`
	PeerAddrs map[string]string `mapstructure:"peer_addrs"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// legacyEnv maps config keys to the environment variable names used by
// existing deployments.
var legacyEnv = map[string]string{
	"source.host":                   "DB_HOST",
	"source.port":                   "DB_PORT",
	"source.database":               "DB_NAME",
	"source.user":                   "DB_USER",
	"source.password":               "DB_PASS",
	"destination.bucket":            "S3_RAW_BUCKET",
	"destination.region":            "AWS_REGION",
	"destination.access_key_id":     "AWS_ACCESS_KEY_ID",
	"destination.secret_access_key": "AWS_SECRET_ACCESS_KEY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.port", 5432)
	v.SetDefault("source.sslmode", "disable")
	v.SetDefault("source.schema", "public")
	v.SetDefault("source.tracking_column", "updated_at")
	v.SetDefault("source.read_timeout", "30s")
	v.SetDefault("source.connect_attempts", 3)
	v.SetDefault("destination.type", DestinationS3)
	v.SetDefault("destination.prefix", "bronze")
	v.SetDefault("destination.write_timeout", "60s")
	v.SetDefault("state.backend", BackendBolt)
	v.SetDefault("state.default_watermark", "2025-01-01 00:00:00")
	v.SetDefault("ingest.concurrency", 1)
	v.SetDefault("schedule.cron", "*/15 * * * *")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configPath, then applies environment overrides. An empty
// configPath loads from the environment only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, env := range legacyEnv {
		upper := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, upper, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	if err := v.BindEnv("tables", "TABLES"); err != nil {
		return nil, fmt.Errorf("failed to bind TABLES: %w", err)
	}

	if configPath != "" {
		file := viper.New()
		file.SetConfigFile(configPath)
		file.SetConfigType("yaml")
		if err := file.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := v.MergeConfigMap(file.AllSettings()); err != nil {
			return nil, fmt.Errorf("failed to merge config file: %w", err)
		}
		expandFileValues(v, file)
	}

	var config Config
	err := v.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToTableHook(),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// expandFileValues expands ${VAR} references in values written in the config
// file. Values overridden from the environment are used verbatim, so secrets
// may contain '$'.
func expandFileValues(v, file *viper.Viper) {
	for _, key := range file.AllKeys() {
		raw := file.GetString(key)
		expanded := os.ExpandEnv(raw)
		if expanded == raw || v.GetString(key) != raw {
			continue
		}
		v.Set(key, expanded)
	}
}

// stringToTableHook accepts tables as bare names, either one per list entry
// or as a single comma-separated string from TABLES.
func stringToTableHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		raw := data.(string)
		switch t {
		case reflect.TypeOf(TableConfig{}):
			return TableConfig{Name: strings.TrimSpace(raw)}, nil
		case reflect.TypeOf([]TableConfig{}):
			var tables []TableConfig
			for _, name := range strings.Split(raw, ",") {
				if name = strings.TrimSpace(name); name != "" {
					tables = append(tables, TableConfig{Name: name})
				}
			}
			return tables, nil
		}
		return data, nil
	}
}

func (c *Config) Validate() error {
	if c.Source.Host == "" {
		return fmt.Errorf("source.host is required")
	}
	if c.Source.Database == "" {
		return fmt.Errorf("source.database is required")
	}
	if c.Source.User == "" {
		return fmt.Errorf("source.user is required")
	}
	if c.Source.Port == 0 {
		c.Source.Port = 5432
	}
	if c.Source.Schema == "" {
		c.Source.Schema = "public"
	}
	if c.Source.TrackingColumn == "" {
		c.Source.TrackingColumn = "updated_at"
	}
	if c.Source.ReadTimeout <= 0 {
		c.Source.ReadTimeout = 30 * time.Second
	}

	if len(c.Tables) == 0 {
		return fmt.Errorf("at least one table is required")
	}
	seen := make(map[string]bool, len(c.Tables))
	for i, table := range c.Tables {
		if table.Name == "" {
			return fmt.Errorf("tables[%d].name is required", i)
		}
		if seen[table.Name] {
			return fmt.Errorf("duplicate table: %s", table.Name)
		}
		seen[table.Name] = true
	}

	if c.Destination.Type == "" {
		c.Destination.Type = DestinationS3
	}
	switch c.Destination.Type {
	case DestinationS3:
		if c.Destination.Bucket == "" {
			return fmt.Errorf("destination.bucket is required")
		}
	case DestinationLocal:
		if c.Destination.Path == "" {
			return fmt.Errorf("destination.path is required for local destination")
		}
	default:
		return fmt.Errorf("invalid destination type: %s (valid options: s3, local)", c.Destination.Type)
	}
	if c.Destination.Prefix == "" {
		c.Destination.Prefix = "bronze"
	}
	if c.Destination.WriteTimeout <= 0 {
		c.Destination.WriteTimeout = 60 * time.Second
	}

	if c.State.Backend == "" {
		c.State.Backend = BackendBolt
	}
	switch c.State.Backend {
	case BackendBolt, BackendRaft:
		if c.State.Path == "" {
			c.State.Path = "extractor-state.db"
		}
	case BackendFile:
		if c.State.Path == "" {
			c.State.Path = "ingestion_state.json"
		}
	default:
		return fmt.Errorf("invalid state backend: %s (valid options: bolt, file, raft)", c.State.Backend)
	}
	if c.State.DefaultWatermark == "" {
		c.State.DefaultWatermark = "2025-01-01 00:00:00"
	}
	if _, err := watermark.Parse(c.State.DefaultWatermark); err != nil {
		return fmt.Errorf("invalid state.default_watermark: %w", err)
	}

	if c.State.Backend == BackendRaft {
		if c.Cluster.NodeID == "" {
			return fmt.Errorf("cluster.node_id is required for raft state")
		}
		if c.Cluster.BindAddr == "" {
			return fmt.Errorf("cluster.bind_addr is required for raft state")
		}
		if c.Cluster.DataDir == "" {
			return fmt.Errorf("cluster.data_dir is required for raft state")
		}
	}

	if c.Ingest.Concurrency < 1 {
		c.Ingest.Concurrency = 1
	}

	if c.Schedule.Cron != "" && !gronx.IsValid(c.Schedule.Cron) {
		return fmt.Errorf("invalid schedule.cron: %s", c.Schedule.Cron)
	}

	return nil
}

// DefaultEpoch returns the parsed state.default_watermark.
func (c *Config) DefaultEpoch() time.Time {
	t, err := watermark.Parse(c.State.DefaultWatermark)
	if err != nil {
		return watermark.DefaultEpoch
	}
	return t
}

func (c *Config) TableNames() []string {
	names := make([]string, len(c.Tables))
	for i, table := range c.Tables {
		names[i] = table.Name
	}
	return names
}

// TrackingColumns returns the per-table tracking column overrides.
func (c *Config) TrackingColumns() map[string]string {
	overrides := make(map[string]string)
	for _, table := range c.Tables {
		if table.TrackingColumn != "" {
			overrides[table.Name] = table.TrackingColumn
		}
	}
	return overrides
}

func (s *SourceConfig) ConnectionString() string {
	sslMode := s.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		s.Host, s.Port, s.Database, s.User, quoteValue(s.Password), sslMode)
}

// quoteValue quotes a keyword/value connection string value when needed.
func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

// Redacted returns the connection target without credentials, for logs.
func (s *SourceConfig) Redacted() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.User(s.User),
		Host:   fmt.Sprintf("%s:%d", s.Host, s.Port),
		Path:   s.Database,
	}
	return u.String()
}
