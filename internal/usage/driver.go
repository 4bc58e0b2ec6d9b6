package usage

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	triflestats "github.com/trifle-io/trifle_stats_go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const defaultDatabase = "secinv_usage"

// DriverOptions selects and configures the time-series backend for usage
// accounting. Driver "none" or "" disables it.
type DriverOptions struct {
	Driver          string
	DBPath          string
	DSN             string
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	Table           string
	Collection      string
	Prefix          string
	Joined          string
	Separator       string
	TimeZone        string
	BeginningOfWeek string
	Granularities   string
	BufferMode      string
	BufferDrivers   string
	BufferDuration  time.Duration
	BufferSize      int
	BufferAggregate bool
	BufferAsync     bool
}

// Enabled reports whether a driver other than none was selected.
func (o DriverOptions) Enabled() bool {
	name := NormalizeDriverName(o.Driver)
	return name != "" && name != "none"
}

func IsDriver(name string) bool {
	switch NormalizeDriverName(name) {
	case "sqlite", "postgres", "mysql", "redis", "mongo":
		return true
	default:
		return false
	}
}

func NormalizeDriverName(name string) string {
	value := strings.ToLower(strings.TrimSpace(name))
	switch value {
	case "mongodb":
		return "mongo"
	case "postgresql", "pg":
		return "postgres"
	}
	return value
}

// Open builds a trifle stats configuration for the selected driver and
// connects to it. Callers own the returned Store and must Close it.
func Open(opts DriverOptions) (*Store, error) {
	driverName := NormalizeDriverName(opts.Driver)
	if !IsDriver(driverName) {
		return nil, fmt.Errorf("unsupported usage driver: %q", opts.Driver)
	}

	joined, err := parseJoinedIdentifier(opts.Joined)
	if err != nil {
		return nil, err
	}
	weekStart, err := parseWeekday(opts.BeginningOfWeek)
	if err != nil {
		return nil, err
	}

	cfg := triflestats.DefaultConfig()
	if tz := strings.TrimSpace(opts.TimeZone); tz != "" {
		cfg.TimeZone = tz
	}
	if sep := opts.Separator; sep != "" {
		cfg.Separator = sep
	}
	cfg.JoinedIdentifier = joined
	cfg.BeginningOfWeek = weekStart
	if granularities := parseGranularities(opts.Granularities); granularities != nil {
		cfg.Granularities = granularities
	}
	applyBufferOptions(cfg, opts, driverName)

	store := &Store{
		Config:     cfg,
		DriverName: driverName,
		TableName:  strings.TrimSpace(opts.Table),
	}
	table := firstNonEmpty(opts.Table, defaultDatabase)

	switch driverName {
	case "sqlite":
		if strings.TrimSpace(opts.DBPath) == "" {
			return nil, fmt.Errorf("usage db path is required for the sqlite driver")
		}
		db, err := sql.Open("sqlite", opts.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		driver := triflestats.NewSQLiteDriver(db, table, joined)
		driver.Separator = cfg.Separator
		cfg.Driver = driver
		store.setupFn = driver.Setup
		store.closeFn = db.Close
		store.TableName = driver.TableName
		return store, nil

	case "postgres":
		db, err := sql.Open("pgx", buildPostgresDSN(opts))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		driver := triflestats.NewPostgresDriver(db, table, joined)
		driver.Separator = cfg.Separator
		cfg.Driver = driver
		store.setupFn = driver.Setup
		store.closeFn = db.Close
		store.TableName = driver.TableName
		return store, nil

	case "mysql":
		db, err := sql.Open("mysql", buildMySQLDSN(opts))
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		driver := triflestats.NewMySQLDriver(db, table, joined)
		driver.Separator = cfg.Separator
		cfg.Driver = driver
		store.setupFn = driver.Setup
		store.closeFn = db.Close
		store.TableName = driver.TableName
		return store, nil

	case "redis":
		client, err := buildRedisClient(opts)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		prefix := firstNonEmpty(opts.Prefix, "secinv")
		driver := triflestats.NewRedisDriver(client, prefix)
		driver.Separator = cfg.Separator
		cfg.Driver = driver
		store.closeFn = client.Close
		store.TableName = prefix
		return store, nil

	case "mongo":
		client, databaseName, collectionName, err := buildMongoCollection(opts)
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		collection := client.Database(databaseName).Collection(collectionName)
		driver := triflestats.NewMongoDriver(collection, joined)
		driver.Separator = cfg.Separator
		cfg.Driver = driver
		store.setupFn = func() error {
			return driver.Setup(context.Background())
		}
		store.closeFn = func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		}
		store.TableName = collectionName
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported usage driver: %q", driverName)
	}
}

// applyBufferOptions copies buffer settings. "auto" buffers SQL drivers only.
func applyBufferOptions(cfg *triflestats.Config, opts DriverOptions, driverName string) {
	if cfg == nil {
		return
	}
	if opts.BufferDuration > 0 {
		cfg.BufferDuration = opts.BufferDuration
	}
	if opts.BufferSize > 0 {
		cfg.BufferSize = opts.BufferSize
	}
	cfg.BufferAggregate = opts.BufferAggregate
	cfg.BufferAsync = opts.BufferAsync

	sqlDriver := driverName == "sqlite" || driverName == "postgres" || driverName == "mysql"
	switch strings.ToLower(strings.TrimSpace(opts.BufferMode)) {
	case "always", "on", "enabled", "true", "yes":
		cfg.BufferEnabled = true
	case "never", "off", "disabled", "false", "no":
		cfg.BufferEnabled = false
	default:
		cfg.BufferEnabled = sqlDriver
	}

	allowed := splitList(opts.BufferDrivers)
	if len(allowed) > 0 {
		matched := false
		for _, value := range allowed {
			if NormalizeDriverName(value) == driverName {
				matched = true
				break
			}
		}
		cfg.BufferEnabled = cfg.BufferEnabled && matched
	}
}

func buildPostgresDSN(opts DriverOptions) string {
	if dsn := strings.TrimSpace(opts.DSN); dsn != "" {
		return dsn
	}

	host := firstNonEmpty(opts.Host, "127.0.0.1")
	port := firstNonEmpty(opts.Port, "5432")
	user := firstNonEmpty(opts.User, "postgres")
	password := firstNonEmpty(opts.Password, "password")
	database := resolveDatabaseName(opts, defaultDatabase)

	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(user),
		url.QueryEscape(password),
		net.JoinHostPort(host, port),
		url.PathEscape(database),
	)
}

func buildMySQLDSN(opts DriverOptions) string {
	if dsn := strings.TrimSpace(opts.DSN); dsn != "" {
		return dsn
	}

	host := firstNonEmpty(opts.Host, "127.0.0.1")
	port := firstNonEmpty(opts.Port, "3306")
	user := firstNonEmpty(opts.User, "root")
	password := firstNonEmpty(opts.Password, "password")
	database := resolveDatabaseName(opts, defaultDatabase)

	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&loc=UTC",
		user,
		password,
		net.JoinHostPort(host, port),
		database,
	)
}

func buildRedisClient(opts DriverOptions) (*redis.Client, error) {
	if dsn := strings.TrimSpace(opts.DSN); dsn != "" {
		if strings.Contains(dsn, "://") {
			parsed, err := redis.ParseURL(dsn)
			if err != nil {
				return nil, err
			}
			return redis.NewClient(parsed), nil
		}
		return redis.NewClient(&redis.Options{Addr: dsn}), nil
	}

	db, err := parseIntOrDefault(opts.Database, 0)
	if err != nil {
		return nil, fmt.Errorf("redis database must be a number: %w", err)
	}

	return redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(firstNonEmpty(opts.Host, "127.0.0.1"), firstNonEmpty(opts.Port, "6379")),
		Username: strings.TrimSpace(opts.User),
		Password: strings.TrimSpace(opts.Password),
		DB:       db,
	}), nil
}

func buildMongoCollection(opts DriverOptions) (*mongo.Client, string, string, error) {
	uri := strings.TrimSpace(opts.DSN)
	if uri == "" {
		uri = firstNonEmpty(opts.Host, "mongodb://127.0.0.1:27017")
		if !strings.Contains(uri, "://") {
			uri = "mongodb://" + uri
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, "", "", err
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, "", "", err
	}

	databaseName := resolveDatabaseName(opts, defaultDatabase)
	collectionName := firstNonEmpty(opts.Collection, opts.Table, defaultDatabase)
	return client, databaseName, collectionName, nil
}

func resolveDatabaseName(opts DriverOptions, fallback string) string {
	if db := strings.TrimSpace(opts.Database); db != "" {
		return db
	}
	if path := strings.TrimSpace(opts.DBPath); path != "" && NormalizeDriverName(opts.Driver) != "sqlite" {
		return path
	}
	return fallback
}

func parseJoinedIdentifier(input string) (triflestats.JoinedIdentifier, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "full", "":
		return triflestats.JoinedFull, nil
	case "partial":
		return triflestats.JoinedPartial, nil
	case "separated", "none", "null":
		return triflestats.JoinedSeparated, nil
	default:
		return triflestats.JoinedFull, fmt.Errorf("invalid joined mode: %s", input)
	}
}

func parseWeekday(input string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "monday", "mon", "":
		return time.Monday, nil
	case "tuesday", "tue":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	case "sunday", "sun":
		return time.Sunday, nil
	default:
		return time.Monday, fmt.Errorf("invalid week start: %s", input)
	}
}

func parseGranularities(input string) []string {
	out := splitList(input)
	if len(out) == 0 {
		return nil
	}
	return out
}

func splitList(input string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		if value := strings.TrimSpace(part); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func parseIntOrDefault(value string, fallback int) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback, nil
	}
	return strconv.Atoi(trimmed)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
