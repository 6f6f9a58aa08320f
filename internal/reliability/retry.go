package reliability

import (
	"net/http"

	"github.com/antoniostano/copd/internal/rubocop"
)

// IsRetryableHTTPStatus classifies daemon responses worth retrying.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableRunCode reports whether a failed run may succeed when
// requested again without the user changing anything.
func IsRetryableRunCode(code string) bool {
	switch code {
	case rubocop.CodeTimeout, rubocop.CodeProcessFailed, rubocop.CodeCanceled:
		return true
	default:
		return false
	}
}
