package reliability

// IsRetryableHTTPStatus classifies provider HTTP status codes where a
// brand-new request may succeed. Used to annotate submission failures;
// a render job itself is never retried automatically.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
