package request

// permanentFailures are status codes that will never succeed on retry.
var permanentFailures = map[int]struct{}{
	400: {},
	401: {},
	403: {},
	410: {},
	422: {},
}

// ShouldRetry decides whether a failed result keeps its events in the store
// for a later attempt.
//
// Rules, first match wins:
//   - a successful result is never retried
//   - retryEnabled == false disables every retry
//   - an oversize result can never succeed, so it is dropped
//   - a custom rule for the status code overrides the defaults
//   - 400, 401, 403, 410 and 422 are permanent; everything else is retried,
//     including results without a response (status 0)
//
// Example:
//
//	custom := map[int]bool{403: true} // collector returns 403 while warming up
//	if request.ShouldRetry(res, custom, true) {
//	    // leave events in the store
//	}
func ShouldRetry(result Result, custom map[int]bool, retryEnabled bool) bool {
	if result.IsSuccessful() {
		return false
	}
	if !retryEnabled {
		return false
	}
	if result.Oversize {
		return false
	}
	if retry, ok := custom[result.StatusCode]; ok {
		return retry
	}
	_, permanent := permanentFailures[result.StatusCode]
	return !permanent
}
