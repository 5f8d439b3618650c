package log

// Common field names for structured logging
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldClientIP   = "client_ip"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldQuery      = "query"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldUserAgent  = "user_agent"
	FieldSuccess    = "success"
	FieldError      = "error"
	FieldOperation  = "operation"
	FieldBudget     = "budget_id"
	FieldTable      = "table"
	FieldDomain     = "domain"
	FieldEntity     = "entity"
	FieldEntityID   = "entity_id"
	FieldCount      = "count"
	FieldTask       = "task"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentStore     = "store"
	ComponentBudget    = "budget"
	ComponentReconcile = "reconcile"
	ComponentTasks     = "tasks"
	ComponentRemote    = "remote"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentWorker    = "worker"
	ComponentCache     = "cache"
	ComponentNotify    = "notify"
	ComponentTrace     = "trace"
	ComponentBackend   = "backend"
)

// Operations defines standard operation names
const (
	OpCreate      = "create"
	OpRead        = "read"
	OpUpdate      = "update"
	OpDelete      = "delete"
	OpList        = "list"
	OpBulkCreate  = "bulk_create"
	OpBulkUpdate  = "bulk_update"
	OpBulkDelete  = "bulk_delete"
	OpRecalculate = "recalculate"
	OpReconcile   = "reconcile"
	OpRefresh     = "refresh"
	OpShutdown    = "shutdown"
	OpStartup     = "startup"
)

// ErrorTypes defines standard error type categories
const (
	ErrorTypeValidation    = "validation_error"
	ErrorTypeConfiguration = "configuration_error"
	ErrorTypeDatabase      = "database_error"
	ErrorTypeNetwork       = "network_error"
	ErrorTypeNotFound      = "not_found_error"
	ErrorTypeConsistency   = "consistency_error"
	ErrorTypeInternal      = "internal_error"
)
