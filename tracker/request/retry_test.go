package request

import "testing"

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name         string
		result       Result
		custom       map[int]bool
		retryEnabled bool
		want         bool
	}{
		{"success", Result{StatusCode: 200}, nil, true, false},
		{"server error", Result{StatusCode: 500}, nil, true, true},
		{"forbidden", Result{StatusCode: 403}, nil, true, false},
		{"unprocessable", Result{StatusCode: 422}, nil, true, false},
		{"teapot", Result{StatusCode: 418}, nil, true, true},
		{"bad request", Result{StatusCode: 400}, nil, true, false},
		{"unauthorized", Result{StatusCode: 401}, nil, true, false},
		{"gone", Result{StatusCode: 410}, nil, true, false},
		{"no response", Result{StatusCode: 0}, nil, true, true},
		{"retry disabled", Result{StatusCode: 500}, nil, false, false},
		{"oversize", Result{StatusCode: 500, Oversize: true}, nil, true, false},
		{"oversize ignores custom", Result{StatusCode: 500, Oversize: true}, map[int]bool{500: true}, true, false},
		{"custom enables", Result{StatusCode: 403}, map[int]bool{403: true}, true, true},
		{"custom disables", Result{StatusCode: 503}, map[int]bool{503: false}, true, false},
		{"custom cannot retry success", Result{StatusCode: 200}, map[int]bool{200: true}, true, false},
		{"disabled beats custom", Result{StatusCode: 403}, map[int]bool{403: true}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRetry(tt.result, tt.custom, tt.retryEnabled); got != tt.want {
				t.Errorf("ShouldRetry(%+v) = %v, want %v", tt.result, got, tt.want)
			}
		})
	}
}

func TestResult_IsSuccessful(t *testing.T) {
	for code, want := range map[int]bool{0: false, 199: false, 200: true, 204: true, 299: true, 300: false, 500: false} {
		if got := (Result{StatusCode: code}).IsSuccessful(); got != want {
			t.Errorf("IsSuccessful(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestNewResult(t *testing.T) {
	req := Request{StoreIDs: []int64{4, 5}, Oversize: true}
	res := NewResult(503, req)
	if res.StatusCode != 503 || !res.Oversize || len(res.StoreIDs) != 2 {
		t.Errorf("unexpected result %+v", res)
	}
}
