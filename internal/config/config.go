package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/semmidev/phylax-runner/internal/domain"
)

// Recognised environment keys.
const (
	KeyJobID            = "JOB_ID"
	KeyOperation        = "OPERATION_TYPE"
	KeyDBEngine         = "DB_ENGINE"
	KeyDBHost           = "DB_HOST"
	KeyDBPort           = "DB_PORT"
	KeyDBName           = "DB_NAME"
	KeyDBUsername       = "DB_USERNAME"
	KeyDBPassword       = "DB_PASSWORD"
	KeyDBAuthDatabase   = "DB_AUTH_DATABASE"
	KeyStorageType      = "STORAGE_TYPE"
	KeyStorageEndpoint  = "STORAGE_ENDPOINT"
	KeyStorageBucket    = "STORAGE_BUCKET"
	KeyStorageRegion    = "STORAGE_REGION"
	KeyStorageAccessKey = "STORAGE_ACCESS_KEY_ID"
	KeyStorageSecretKey = "STORAGE_SECRET_ACCESS_KEY"
	KeyStorageStrategy  = "STORAGE_STRATEGIES"
	KeyStorageVerifyCLI = "STORAGE_VERIFY_CLI"
	KeyBackupPath       = "BACKUP_PATH"
	KeyCompression      = "BACKUP_COMPRESSION"
	KeyRetentionDays    = "RETENTION_DAYS"
	KeyCallbackURL      = "CALLBACK_URL"
	KeyCallbackSecret   = "CALLBACK_SECRET"
	KeyWorkDir          = "WORK_DIR"
	KeyLogLevel         = "LOG_LEVEL"
	KeyLogFile          = "LOG_FILE"
	KeyLogFormat        = "LOG_FORMAT"
)

const (
	StrategySDK    = "sdk"
	StrategySigned = "signed"

	DefaultRetentionDays = 30
	DefaultRegion        = "us-east-1"
)

type Operation string

const (
	OperationBackup  Operation = "backup"
	OperationRestore Operation = "restore"
)

var storageTypes = map[string]bool{
	"s3":     true,
	"wasabi": true,
	"r2":     true,
	"gcs":    true,
	"minio":  true,
}

// Job is the immutable descriptor of one runner invocation.
type Job struct {
	JobID         string
	Operation     Operation
	Database      DatabaseConfig
	Storage       StorageConfig
	BackupPath    string
	RetentionDays int
	Compression   domain.Format
	Callback      CallbackConfig
	WorkDir       string
}

type DatabaseConfig struct {
	Engine   domain.Engine
	Host     string
	Port     int
	Name     string
	Username string
	Password string

	// MongoDB specific
	AuthDatabase string
}

type StorageConfig struct {
	Type            string
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Strategies      []string
	VerifyCLI       string
}

type CallbackConfig struct {
	URL    string
	Secret string
}

type AppConfig struct {
	Name      string
	LogLevel  string
	LogFile   string
	LogFormat string
}

// NewViper returns a viper instance backed by the process environment.
func NewViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}

// Load resolves the job descriptor from the process environment.
func Load() (*Job, error) {
	return FromViper(NewViper())
}

// LoadApp reads the process-level logging settings.
func LoadApp(v *viper.Viper) AppConfig {
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "console")

	return AppConfig{
		Name:      "phylax-runner",
		LogLevel:  v.GetString(KeyLogLevel),
		LogFile:   v.GetString(KeyLogFile),
		LogFormat: v.GetString(KeyLogFormat),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyOperation, string(OperationBackup))
	v.SetDefault(KeyRetentionDays, DefaultRetentionDays)
	v.SetDefault(KeyStorageRegion, DefaultRegion)
	v.SetDefault(KeyStorageStrategy, StrategySDK+","+StrategySigned)
	v.SetDefault(KeyStorageVerifyCLI, "aws")
	v.SetDefault(KeyCompression, string(domain.FormatGzip))
	v.SetDefault(KeyWorkDir, os.TempDir())
}

// FromViper validates every recognised key in one pass and returns either a
// complete Job or a *domain.ConfigurationError naming all problems.
func FromViper(v *viper.Viper) (*Job, error) {
	setDefaults(v)

	r := &resolver{
		v:   v,
		err: &domain.ConfigurationError{Invalid: map[string]string{}},
	}

	job := &Job{
		JobID:     r.required(KeyJobID),
		Operation: r.operation(),
	}

	job.Database = r.database()
	job.Storage = r.storage()
	job.BackupPath = r.required(KeyBackupPath)
	job.Compression = r.compression()
	job.RetentionDays = r.positiveInt(KeyRetentionDays, DefaultRetentionDays)
	job.Callback = CallbackConfig{
		URL:    r.url(KeyCallbackURL, ""),
		Secret: r.required(KeyCallbackSecret),
	}
	job.WorkDir = r.required(KeyWorkDir)

	if !r.err.Empty() {
		return nil, r.err
	}
	return job, nil
}

// CallbackFromEnv returns the callback target when JOB_ID, CALLBACK_URL and
// CALLBACK_SECRET are all usable, regardless of the rest of the descriptor.
func CallbackFromEnv(v *viper.Viper) (string, CallbackConfig, bool) {
	jobID := strings.TrimSpace(v.GetString(KeyJobID))
	cb := CallbackConfig{
		URL:    strings.TrimSpace(v.GetString(KeyCallbackURL)),
		Secret: v.GetString(KeyCallbackSecret),
	}
	if jobID == "" || cb.Secret == "" || !validHTTPURL(cb.URL) {
		return "", CallbackConfig{}, false
	}
	return jobID, cb, true
}

type resolver struct {
	v   *viper.Viper
	err *domain.ConfigurationError
}

func (r *resolver) missing(key string) {
	r.err.Missing = append(r.err.Missing, key)
}

func (r *resolver) invalid(key, reason string) {
	r.err.Invalid[key] = reason
}

func (r *resolver) get(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

func (r *resolver) required(key string) string {
	val := r.get(key)
	if val == "" {
		r.missing(key)
	}
	return val
}

func (r *resolver) operation() Operation {
	op := Operation(strings.ToLower(r.get(KeyOperation)))
	switch op {
	case OperationBackup, OperationRestore:
		return op
	}
	r.invalid(KeyOperation, fmt.Sprintf("unsupported operation %q", op))
	return ""
}

func (r *resolver) database() DatabaseConfig {
	var cfg DatabaseConfig

	tag := r.required(KeyDBEngine)
	if tag != "" {
		if engine, ok := domain.ParseEngine(tag); ok {
			cfg.Engine = engine
		} else {
			r.invalid(KeyDBEngine, fmt.Sprintf("unsupported engine %q", tag))
		}
	}

	cfg.Host = r.required(KeyDBHost)
	switch {
	case cfg.Engine != "":
		cfg.Port = r.positiveInt(KeyDBPort, cfg.Engine.DefaultPort())
	case r.get(KeyDBPort) != "":
		// No engine means no default port; only a given value is checked.
		cfg.Port = r.positiveInt(KeyDBPort, 0)
	}
	cfg.Name = r.required(KeyDBName)
	cfg.Username = r.required(KeyDBUsername)
	cfg.Password = r.v.GetString(KeyDBPassword)
	cfg.AuthDatabase = r.get(KeyDBAuthDatabase)

	if cfg.Password == "" && cfg.Engine != "" && !cfg.Engine.AuthOptional() {
		r.missing(KeyDBPassword)
	}
	return cfg
}

func (r *resolver) storage() StorageConfig {
	cfg := StorageConfig{}

	cfg.Type = strings.ToLower(r.required(KeyStorageType))
	if cfg.Type != "" && !storageTypes[cfg.Type] {
		r.invalid(KeyStorageType, fmt.Sprintf("unsupported storage type %q", cfg.Type))
	}

	cfg.Region = r.required(KeyStorageRegion)

	def := ""
	if cfg.Type == "s3" && cfg.Region != "" {
		def = fmt.Sprintf("https://s3.%s.amazonaws.com", cfg.Region)
	}
	cfg.Endpoint = strings.TrimRight(r.url(KeyStorageEndpoint, def), "/")
	cfg.Bucket = r.required(KeyStorageBucket)
	cfg.AccessKeyID = r.required(KeyStorageAccessKey)
	cfg.SecretAccessKey = r.required(KeyStorageSecretKey)
	cfg.VerifyCLI = r.required(KeyStorageVerifyCLI)

	for _, name := range strings.Split(r.get(KeyStorageStrategy), ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case "":
			continue
		case StrategySDK, StrategySigned:
			cfg.Strategies = append(cfg.Strategies, name)
		default:
			r.invalid(KeyStorageStrategy, fmt.Sprintf("unknown strategy %q", name))
		}
	}
	if len(cfg.Strategies) == 0 {
		r.invalid(KeyStorageStrategy, "at least one strategy is required")
	}
	return cfg
}

func (r *resolver) compression() domain.Format {
	f := domain.Format(strings.ToLower(r.get(KeyCompression)))
	switch f {
	case domain.FormatGzip, domain.FormatZstd, domain.FormatLZ4:
		return f
	}
	r.invalid(KeyCompression, fmt.Sprintf("unsupported compression %q", f))
	return ""
}

func (r *resolver) positiveInt(key string, def int) int {
	raw := r.get(key)
	if raw == "" {
		if def <= 0 {
			r.missing(key)
		}
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		r.invalid(key, "must be a positive integer")
		return 0
	}
	return n
}

func (r *resolver) url(key, def string) string {
	raw := r.get(key)
	if raw == "" {
		raw = def
	}
	if raw == "" {
		r.missing(key)
		return ""
	}
	if !validHTTPURL(raw) {
		r.invalid(key, "must be an absolute http(s) URL")
	}
	return raw
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// LogFields summarises the job for structured logs without secrets.
func (j *Job) LogFields() []any {
	return []any{
		"job_id", j.JobID,
		"operation", j.Operation,
		"engine", j.Database.Engine,
		"db_host", j.Database.Host,
		"db_port", j.Database.Port,
		"db_name", j.Database.Name,
		"storage_type", j.Storage.Type,
		"endpoint", j.Storage.Endpoint,
		"bucket", j.Storage.Bucket,
		"key", j.BackupPath,
		"retention_days", j.RetentionDays,
	}
}
