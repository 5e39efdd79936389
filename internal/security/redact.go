package security

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameter name fragments that likely carry
// secrets. Matching is case-insensitive on substring.
var sensitiveParams = []string{
	"key",
	"token",
	"secret",
	"password",
	"passwd",
	"pwd",
	"auth",
	"bearer",
	"credential",
	"session",
	"sid",
	"private",
}

// RedactURL strips credentials and secret-looking query parameters from a
// URL so it can be logged.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		// Unparseable input gets no second chance
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User("[REDACTED]")
	}

	if parsed.RawQuery != "" {
		params := parsed.Query()
		for name := range params {
			if isSensitiveParam(name) {
				params[name] = []string{"[REDACTED]"}
			}
		}
		parsed.RawQuery = params.Encode()
	}

	return parsed.String()
}

func isSensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	for _, fragment := range sensitiveParams {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// RedactProxyURL hides the password of a proxy URL, keeping the username
// so operators can tell accounts apart in logs.
func RedactProxyURL(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return "[invalid-proxy-url]"
	}

	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "[REDACTED]")
		}
	}

	return parsed.String()
}

// RedactAPIKey masks an API key, keeping the last four characters for
// log correlation.
func RedactAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
