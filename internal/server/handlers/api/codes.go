package api

const (
	// Generic request/server errors
	CodeInvalidRequest = "E_INVALID_REQUEST" // bad or invalid request
	CodeRateLimited    = "E_RATE_LIMITED"    // rate limit exceeded
	CodeInternalError  = "E_INTERNAL_ERROR"  // internal server error

	// Ingestion errors
	CodeValidationFailed = "E_VALIDATION_FAILED" // the batch is structurally invalid and must not be resent as is
	CodeApplyFailed      = "E_APPLY_FAILED"      // one or more transitions could not be stored, resend the batch

	// Query errors
	CodeRecordNotFound = "E_RECORD_NOT_FOUND" // no record is stored for the path
	CodeInvalidPattern = "E_INVALID_PATTERN"  // the path pattern does not compile
)
