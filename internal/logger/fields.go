package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, carried on the context logger through a call chain.
const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID is the job ID assigned at submission
	FieldJobID = "job_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldKind is the task kind hosted by the service (generate, edit, ...)
	FieldKind = "kind"

	// FieldAttempt is the render attempt number inside the retry loop
	FieldAttempt = "attempt"

	// FieldContentHash is the sha256 of an artifact being resolved
	FieldContentHash = "content_hash"
)

// Metric fields, attached per entry for aggregation.
const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldCostUSD is an accumulated LLM spend
	FieldCostUSD = "cost_usd"
)
