package log

// Canonical field name constants for structured logging.
const (
	FieldComponent = "component"
	FieldEvent     = "event"
	FieldNamespace = "namespace"

	// Emission fields
	FieldSuccess   = "success"
	FieldFailure   = "failure"
	FieldWillRetry = "will_retry"
	FieldDropped   = "dropped"
	FieldPending   = "pending"
	FieldStatus    = "status"
	FieldRequests  = "requests"

	// Store fields
	FieldStore = "store"
	FieldPath  = "path"
	FieldURL   = "url"
)
