package intent

// Category groups error codes by how the agent should react.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryPermission Category = "permission"
	CategoryResource   Category = "resource"
	CategoryExecution  Category = "execution"
	CategoryInternal   Category = "internal"
)

// Error codes surfaced at the kernel boundary. Stable strings: agents
// branch on them and events record them.
const (
	CodeMissingArgument    = "missing_argument"
	CodeInvalidArgument    = "invalid_argument"
	CodeUnknownAction      = "unknown_action"
	CodePermissionDenied   = "permission_denied"
	CodeKernelProtected    = "kernel_protected"
	CodeNotFound           = "not_found"
	CodeDeleted            = "deleted"
	CodeNotExecutable      = "not_executable"
	CodeInsufficientFunds  = "insufficient_funds"
	CodeQuotaExceeded      = "quota_exceeded"
	CodeRateLimited        = "rate_limited"
	CodeTimeout            = "timeout"
	CodeTransient          = "transient"
	CodeExecutionFailed    = "execution_failed"
	CodeDepthExceeded      = "depth_exceeded"
	CodeNotFoundInContent  = "not_found_in_content"
	CodeNotUnique          = "not_unique"
	CodeNoChange           = "no_change"
	CodeInvariantViolation = "invariant_violation"
)

// ActionResult is what every submitted intent returns. Data carries the
// effect details an agent needs to observe its own action.
type ActionResult struct {
	Success   bool                   `json:"success"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	ErrorCode string                 `json:"error_code,omitempty"`
	Category  Category               `json:"category,omitempty"`
	Retriable bool                   `json:"retriable,omitempty"`
}

// OK builds a success result.
func OK(message string, data map[string]interface{}) ActionResult {
	return ActionResult{Success: true, Message: message, Data: data}
}

// Fail builds a failure result. Retriable is derived from the code so
// that the retry contract stays in one place.
func Fail(category Category, code, message string) ActionResult {
	return ActionResult{
		Success:   false,
		Message:   message,
		ErrorCode: code,
		Category:  category,
		Retriable: Retriable(category, code),
	}
}

// Retriable reports whether an agent may usefully retry a failure
// unchanged. Validation and permission failures never are; resource
// failures only when the pressure is transient; execution failures only
// for timeouts and flagged-transient errors.
func Retriable(category Category, code string) bool {
	switch category {
	case CategoryResource:
		return code == CodeRateLimited
	case CategoryExecution:
		return code == CodeTimeout || code == CodeTransient
	default:
		return false
	}
}
