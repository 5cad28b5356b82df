package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey         = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderOwnerID        = "X-Owner-ID"
	HeaderAuthorization  = "Authorization"
	ContentTypeJSON      = "application/json"
	ContentTypeMultipart = "multipart/form-data"
	ContentTypeXLSX      = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// API paths
const (
	PathHealthz = "/healthz"
	PathJobs    = "/v1/jobs"
)

// Orchestration defaults
const (
	DefaultBatchSize         = 3
	DefaultMaxItems          = 500
	DefaultErrorMessageLimit = 500
	DefaultUpdateRetries     = 2
	DefaultConflictRetries   = 16
	DefaultListLimit         = 50
	MaxListLimit             = 500
)

// Store drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Generation providers
const (
	ProviderMock   = "mock"
	ProviderHTTP   = "http"
	ProviderOpenAI = "openai"
)

// SQLite
const (
	SQLiteBusyTimeoutMS = 5000
	SQLiteFileName      = "bulkgen.db"
)

// Callback status strings
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)
