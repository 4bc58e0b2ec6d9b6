package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	triflestats "github.com/trifle-io/trifle_stats_go"
	"gopkg.in/yaml.v3"

	"github.com/secinv-io/secinv-mcp/internal/usage"
)

type fileConfig struct {
	API     apiConfig     `yaml:"api"`
	Server  serverConfig  `yaml:"server"`
	Logging loggingConfig `yaml:"logging"`
	Usage   usageConfig   `yaml:"usage"`
}

type apiConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type serverConfig struct {
	Scheme   string `yaml:"scheme"`
	HTTPAddr string `yaml:"http_addr"`
}

type loggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type usageConfig struct {
	Driver          string            `yaml:"driver"`
	DB              string            `yaml:"db"`
	DSN             string            `yaml:"dsn"`
	Host            string            `yaml:"host"`
	Port            string            `yaml:"port"`
	User            string            `yaml:"user"`
	Password        string            `yaml:"password"`
	Database        string            `yaml:"database"`
	Table           string            `yaml:"table"`
	Collection      string            `yaml:"collection"`
	Prefix          string            `yaml:"prefix"`
	Joined          string            `yaml:"joined"`
	Separator       string            `yaml:"separator"`
	TimeZone        string            `yaml:"timezone"`
	WeekStart       string            `yaml:"week_start"`
	Granularities   configStringSlice `yaml:"granularities"`
	BufferMode      string            `yaml:"buffer_mode"`
	BufferDrivers   configStringSlice `yaml:"buffer_drivers"`
	BufferSize      int               `yaml:"buffer_size"`
	BufferDuration  string            `yaml:"buffer_duration"`
	BufferAggregate *bool             `yaml:"buffer_aggregate"`
	BufferAsync     *bool             `yaml:"buffer_async"`
}

type configStringSlice []string

func (s *configStringSlice) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}

	switch value.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*s = normalizeStringList(strings.Split(raw, ","))
		return nil
	case yaml.SequenceNode:
		var raw []string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*s = normalizeStringList(raw)
		return nil
	default:
		return fmt.Errorf("expected a string or list")
	}
}

func (s configStringSlice) Joined() string {
	return strings.Join([]string(s), ",")
}

func normalizeStringList(values []string) []string {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		cleaned = append(cleaned, trimmed)
	}
	if len(cleaned) == 0 {
		return nil
	}
	return cleaned
}

func pickString(envValue, cfgValue, defaultValue string) string {
	if strings.TrimSpace(envValue) != "" {
		return envValue
	}
	if strings.TrimSpace(cfgValue) != "" {
		return cfgValue
	}
	return defaultValue
}

// getenv returns the first non-empty variable among keys.
func getenv(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the value of VAR, or with nothing.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func addConfigFlag(fs *flag.FlagSet, defaultPath string) *string {
	return fs.String("config", defaultPath, "Config file path (YAML, or SECINV_CONFIG)")
}

// resolveConfig loads the config file named by --config, SECINV_CONFIG or the
// per-user default. A missing default file yields an empty config.
func resolveConfig(args []string) (*fileConfig, string, error) {
	path, explicit, err := findConfigPath(args)
	if err != nil {
		return nil, "", err
	}
	if !explicit {
		if envPath := strings.TrimSpace(os.Getenv("SECINV_CONFIG")); envPath != "" {
			path = envPath
			explicit = true
		}
	}

	if strings.TrimSpace(path) == "" {
		defaultPath, err := defaultConfigPath()
		if err != nil {
			return &fileConfig{}, "", nil
		}
		path = defaultPath
	}

	expanded, err := expandPath(path)
	if err != nil {
		return nil, path, err
	}
	path = filepath.Clean(expanded)

	cfg, err := loadConfigFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return &fileConfig{}, path, nil
		}
		return nil, path, err
	}
	return cfg, path, nil
}

func findConfigPath(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || strings.TrimSpace(args[i+1]) == "" {
				return "", true, fmt.Errorf("--config requires a value")
			}
			return strings.TrimSpace(args[i+1]), true, nil
		}
		for _, prefix := range []string{"--config=", "-config="} {
			if strings.HasPrefix(arg, prefix) {
				value := strings.TrimSpace(strings.TrimPrefix(arg, prefix))
				if value == "" {
					return "", true, fmt.Errorf("--config requires a value")
				}
				return value, true, nil
			}
		}
	}
	return "", false, nil
}

func defaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "secinv", "config.yaml"), nil
}

func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

func loadConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return &fileConfig{}, nil
	}

	var cfg fileConfig
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if _, err := parseOptionalDuration(cfg.Usage.BufferDuration); err != nil {
		return nil, fmt.Errorf("parse config %s: usage.buffer_duration: %w", path, err)
	}
	return &cfg, nil
}

type apiOptions struct {
	BaseURL string
	Token   string
}

func addAPIFlags(fs *flag.FlagSet, cfg *fileConfig) *apiOptions {
	opts := &apiOptions{
		BaseURL: pickString(getenv("SECINV_API_URL", "API_URL"), cfg.API.URL, ""),
		Token:   pickString(getenv("SECINV_JWT", "JWT"), cfg.API.Token, ""),
	}
	fs.StringVar(&opts.BaseURL, "url", opts.BaseURL, "Backend base URL (or SECINV_API_URL / API_URL / config)")
	fs.StringVar(&opts.Token, "token", opts.Token, "Bearer token (or SECINV_JWT / JWT / config)")
	return opts
}

type serverOptions struct {
	Scheme   string
	HTTPAddr string
}

func addServerFlags(fs *flag.FlagSet, cfg *fileConfig) *serverOptions {
	opts := &serverOptions{
		Scheme:   pickString(os.Getenv("SECINV_SCHEME"), cfg.Server.Scheme, "mcp"),
		HTTPAddr: pickString(os.Getenv("SECINV_HTTP_ADDR"), cfg.Server.HTTPAddr, ""),
	}
	fs.StringVar(&opts.Scheme, "scheme", opts.Scheme, "Resource URI scheme (or SECINV_SCHEME / config)")
	fs.StringVar(&opts.HTTPAddr, "http", opts.HTTPAddr, "Serve Streamable HTTP on this address instead of stdio (or SECINV_HTTP_ADDR / config)")
	return opts
}

type loggingOptions struct {
	Level  string
	Format string
}

func addLoggingFlags(fs *flag.FlagSet, cfg *fileConfig) *loggingOptions {
	opts := &loggingOptions{
		Level:  pickString(os.Getenv("SECINV_LOG_LEVEL"), cfg.Logging.Level, "info"),
		Format: pickString(os.Getenv("SECINV_LOG_FORMAT"), cfg.Logging.Format, "text"),
	}
	fs.StringVar(&opts.Level, "log-level", opts.Level, "Log level: debug|info|warn|error")
	fs.StringVar(&opts.Format, "log-format", opts.Format, "Log format: text|json")
	return opts
}

// addUsageFlags binds usage driver options. Precedence is flag, then
// SECINV_USAGE_*, then the usage section of the config file.
func addUsageFlags(fs *flag.FlagSet, cfg *fileConfig, defaultDriver string) *usage.DriverOptions {
	u := cfg.Usage
	defaults := triflestats.DefaultConfig()

	bufferAggregate := defaults.BufferAggregate
	if u.BufferAggregate != nil {
		bufferAggregate = *u.BufferAggregate
	}
	bufferAsync := defaults.BufferAsync
	if u.BufferAsync != nil {
		bufferAsync = *u.BufferAsync
	}
	bufferSize := ""
	if u.BufferSize > 0 {
		bufferSize = strconv.Itoa(u.BufferSize)
	}

	opts := &usage.DriverOptions{
		Driver:          pickString(os.Getenv("SECINV_USAGE_DRIVER"), u.Driver, defaultDriver),
		DBPath:          pickString(os.Getenv("SECINV_USAGE_DB"), u.DB, ""),
		DSN:             pickString(os.Getenv("SECINV_USAGE_DSN"), u.DSN, ""),
		Host:            pickString(os.Getenv("SECINV_USAGE_HOST"), u.Host, ""),
		Port:            pickString(os.Getenv("SECINV_USAGE_PORT"), u.Port, ""),
		User:            pickString(os.Getenv("SECINV_USAGE_USER"), u.User, ""),
		Password:        pickString(os.Getenv("SECINV_USAGE_PASSWORD"), u.Password, ""),
		Database:        pickString(os.Getenv("SECINV_USAGE_DATABASE"), u.Database, ""),
		Table:           pickString(os.Getenv("SECINV_USAGE_TABLE"), u.Table, "secinv_usage"),
		Collection:      pickString(os.Getenv("SECINV_USAGE_COLLECTION"), u.Collection, ""),
		Prefix:          pickString(os.Getenv("SECINV_USAGE_PREFIX"), u.Prefix, ""),
		Joined:          pickString(os.Getenv("SECINV_USAGE_JOINED"), u.Joined, "full"),
		Separator:       pickString(os.Getenv("SECINV_USAGE_SEPARATOR"), u.Separator, "::"),
		TimeZone:        pickString(os.Getenv("SECINV_USAGE_TIMEZONE"), u.TimeZone, "UTC"),
		BeginningOfWeek: pickString(os.Getenv("SECINV_USAGE_WEEK_START"), u.WeekStart, "monday"),
		Granularities:   pickString(os.Getenv("SECINV_USAGE_GRANULARITIES"), u.Granularities.Joined(), ""),
		BufferMode:      pickString(os.Getenv("SECINV_USAGE_BUFFER_MODE"), u.BufferMode, "off"),
		BufferDrivers:   pickString(os.Getenv("SECINV_USAGE_BUFFER_DRIVERS"), u.BufferDrivers.Joined(), ""),
		BufferDuration:  durationOrDefault(pickString(os.Getenv("SECINV_USAGE_BUFFER_DURATION"), u.BufferDuration, ""), defaults.BufferDuration),
		BufferSize:      intOrDefault(pickString(os.Getenv("SECINV_USAGE_BUFFER_SIZE"), bufferSize, ""), defaults.BufferSize),
		BufferAggregate: boolOrDefault(os.Getenv("SECINV_USAGE_BUFFER_AGGREGATE"), bufferAggregate),
		BufferAsync:     boolOrDefault(os.Getenv("SECINV_USAGE_BUFFER_ASYNC"), bufferAsync),
	}

	fs.StringVar(&opts.Driver, "usage-driver", opts.Driver, "Usage store: none|sqlite|postgres|mysql|redis|mongo (or SECINV_USAGE_DRIVER / config)")
	fs.StringVar(&opts.DBPath, "usage-db", opts.DBPath, "SQLite path for the usage store")
	fs.StringVar(&opts.DSN, "usage-dsn", opts.DSN, "Usage store DSN/URI (postgres/mysql/redis/mongo)")
	fs.StringVar(&opts.Host, "usage-host", opts.Host, "Usage store host")
	fs.StringVar(&opts.Port, "usage-port", opts.Port, "Usage store port")
	fs.StringVar(&opts.User, "usage-user", opts.User, "Usage store user")
	fs.StringVar(&opts.Password, "usage-password", opts.Password, "Usage store password")
	fs.StringVar(&opts.Database, "usage-database", opts.Database, "Usage store database name (postgres/mysql/mongo) or number (redis)")
	fs.StringVar(&opts.Table, "usage-table", opts.Table, "Usage table name (sqlite/postgres/mysql)")
	fs.StringVar(&opts.Collection, "usage-collection", opts.Collection, "Usage collection name (mongo)")
	fs.StringVar(&opts.Prefix, "usage-prefix", opts.Prefix, "Usage key prefix (redis)")
	fs.StringVar(&opts.Joined, "usage-joined", opts.Joined, "Identifier mode: full|partial|separated")
	fs.StringVar(&opts.Separator, "usage-separator", opts.Separator, "Key separator")
	fs.StringVar(&opts.TimeZone, "usage-timezone", opts.TimeZone, "Time zone for usage buckets")
	fs.StringVar(&opts.BeginningOfWeek, "usage-week-start", opts.BeginningOfWeek, "Week start: monday..sunday")
	fs.StringVar(&opts.Granularities, "usage-granularities", opts.Granularities, "Comma-separated granularities")
	fs.StringVar(&opts.BufferMode, "usage-buffer-mode", opts.BufferMode, "Buffer mode: auto|on|off")
	fs.StringVar(&opts.BufferDrivers, "usage-buffer-drivers", opts.BufferDrivers, "Comma-separated drivers allowed to buffer")
	fs.DurationVar(&opts.BufferDuration, "usage-buffer-duration", opts.BufferDuration, "Buffer flush interval")
	fs.IntVar(&opts.BufferSize, "usage-buffer-size", opts.BufferSize, "Buffer queue size")
	fs.BoolVar(&opts.BufferAggregate, "usage-buffer-aggregate", opts.BufferAggregate, "Aggregate buffered writes")
	fs.BoolVar(&opts.BufferAsync, "usage-buffer-async", opts.BufferAsync, "Flush buffered writes asynchronously")
	return opts
}

func parseOptionalDuration(value string) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	return time.ParseDuration(trimmed)
}

func durationOrDefault(value string, fallback time.Duration) time.Duration {
	parsed, err := parseOptionalDuration(value)
	if err != nil || parsed == 0 {
		return fallback
	}
	return parsed
}

func intOrDefault(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func boolOrDefault(value string, fallback bool) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}
