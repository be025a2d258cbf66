package reliability

// CodeForHTTPStatus maps an inference endpoint status to the stable
// error code reported on error events and metrics labels.
func CodeForHTTPStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return "auth"
	case status == 429:
		return "rate_limited"
	case status == 400 || status == 404 || status == 422:
		return "invalid_request"
	case status >= 500:
		return "upstream_unavailable"
	default:
		return "inference_error"
	}
}

// IsRetryableHTTPStatus classifies statuses the user may reasonably
// resubmit after. The service itself never retries.
func IsRetryableHTTPStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
