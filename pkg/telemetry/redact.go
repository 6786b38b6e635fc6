package telemetry

import (
	"net/http"
	"strings"
)

var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"set-cookie":          {},
	"x-api-key":           {},
}

// RedactHeaders flattens headers into a map and masks credentials before they
// are stored in monitoring entries or exported.
func RedactHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}

	out := make(map[string]string, len(h))
	for key, values := range h {
		value := strings.Join(values, ", ")
		if _, sensitive := sensitiveHeaders[strings.ToLower(key)]; sensitive {
			value = maskValue(value)
		}
		out[key] = value
	}
	return out
}

// maskValue shows the first and last 4 characters with *** in between (e.g., "Bear***xyz1").
func maskValue(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}
