package settings

import (
	"net/url"
	"strings"
)

// Report lists configuration problems. Errors make the configuration unusable;
// warnings do not.
type Report struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r Report) Valid() bool { return len(r.Errors) == 0 }

var (
	placeholderKeys = []string{"your-api-key", "api-key-here", "replace-me", "test-key"}
	demoKeyWords    = []string{"test", "demo", "placeholder"}
)

// Check validates the backend URL and API key the dashboard would use.
// The API key is optional.
func Check(backendURL, apiKey string, production bool) Report {
	var r Report
	r.checkBackendURL(backendURL, production)
	r.checkAPIKey(apiKey)
	return r
}

func (r *Report) checkBackendURL(raw string, production bool) {
	if strings.TrimSpace(raw) == "" {
		r.Errors = append(r.Errors, "backend URL is not defined")
		return
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		r.Errors = append(r.Errors, "backend URL is not a valid URL")
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		r.Errors = append(r.Errors, "backend URL must use HTTP or HTTPS")
		return
	}
	if !production {
		return
	}
	if host := u.Hostname(); host == "localhost" || host == "127.0.0.1" || host == "::1" {
		r.Warnings = append(r.Warnings, "using localhost backend URL in production")
	}
	if u.Scheme == "http" {
		r.Warnings = append(r.Warnings, "using HTTP (not HTTPS) backend URL in production")
	}
}

func (r *Report) checkAPIKey(key string) {
	if key == "" {
		return
	}
	lower := strings.ToLower(key)
	if len(key) < 8 {
		r.Errors = append(r.Errors, "API key is too short (minimum 8 characters)")
	}
	for _, p := range placeholderKeys {
		if strings.Contains(lower, p) {
			r.Errors = append(r.Errors, "API key is a placeholder value")
			return
		}
	}
	for _, w := range demoKeyWords {
		if strings.Contains(lower, w) {
			r.Warnings = append(r.Warnings, "API key appears to be a test/demo value")
			return
		}
	}
}
