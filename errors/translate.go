package errors

import (
	"regexp"
	"strings"
)

// maxUserMessageLen bounds the length of user-facing error messages.
const maxUserMessageLen = 200

// pathPattern matches absolute filesystem paths so they can be scrubbed
// from messages before they reach external clients.
var pathPattern = regexp.MustCompile(`(?:[A-Za-z]:)?(?:/[\w.\-]+){2,}`)

// Translate produces a short, user-safe message for an error. Internal
// details (filesystem paths, wrap chains) are stripped and the result is
// truncated to a bounded length. Unclassified errors collapse to a generic
// message so nothing internal leaks.
func Translate(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !As(err, &e) {
		return "internal server error"
	}

	msg := e.Error()

	// Keep only the innermost segment of the wrap chain.
	if idx := strings.LastIndex(msg, ": "); idx >= 0 && idx+2 < len(msg) {
		msg = msg[idx+2:]
	}

	msg = pathPattern.ReplaceAllString(msg, "<path>")
	msg = strings.TrimSpace(msg)

	if msg == "" {
		msg = defaultMessage(e.Kind)
	}
	if len(msg) > maxUserMessageLen {
		msg = msg[:maxUserMessageLen-3] + "..."
	}
	return msg
}

// defaultMessage returns a generic message for a kind when nothing safer
// is available.
func defaultMessage(k Kind) string {
	switch k {
	case KindValidation, KindDeserialization:
		return "invalid request"
	case KindSecurity:
		return "authentication required"
	case KindPermission:
		return "access denied"
	case KindNotFound, KindAgentNotFound:
		return "resource not found"
	case KindRateLimit:
		return "rate limit exceeded"
	case KindGatewayTimeout:
		return "request timeout"
	case KindServiceUnavailable, KindConnection, KindNatsConnection:
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}
