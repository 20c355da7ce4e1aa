// Package redact keeps device auth tokens out of logs and error strings.
package redact

import (
	"net/url"
	"strings"
)

const redactedText = "[REDACTED]"

// Token masks an auth token for logging, keeping just enough to correlate
// log lines against the token store.
func Token(token string) string {
	if token == "" {
		return "<none>"
	}
	if len(token) <= 8 {
		return redactedText
	}
	return token[:4] + "…" + token[len(token)-2:]
}

// URL rewrites a request URL so its token query parameter is masked.
// Malformed input is returned unchanged; it carries no token to leak.
func URL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if tok := q.Get("token"); tok != "" {
		q.Set("token", Token(tok))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Error masks any occurrence of the given token inside an error string.
func Error(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if token == "" {
		return msg
	}
	return strings.ReplaceAll(msg, token, redactedText)
}
