package reliability

import "testing"

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{404, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableRunCode(t *testing.T) {
	for _, code := range []string{"timeout", "process_failed", "canceled"} {
		if !IsRetryableRunCode(code) {
			t.Fatalf("IsRetryableRunCode(%q) = false, want true", code)
		}
	}
	for _, code := range []string{"not_found", "config_error", "parse_error", ""} {
		if IsRetryableRunCode(code) {
			t.Fatalf("IsRetryableRunCode(%q) = true, want false", code)
		}
	}
}
