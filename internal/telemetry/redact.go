package telemetry

import "strings"

// Recipient addresses never reach log output or error detail verbatim.
// These helpers produce the redacted forms used everywhere a recipient
// appears in a log field.

// RedactEmail masks the local part of an email address, keeping the first
// rune and the full domain: alice@example.com -> a***@example.com.
func RedactEmail(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "***"
	}
	local := []rune(addr[:at])
	return string(local[0]) + "***" + addr[at:]
}

// RedactPhone masks a phone number keeping only the last two digits.
func RedactPhone(number string) string {
	trimmed := strings.TrimSpace(number)
	if len(trimmed) < 3 {
		return "***"
	}
	return "***" + trimmed[len(trimmed)-2:]
}

// RedactToken masks a device token keeping a short identifying prefix.
func RedactToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "***"
}

// RedactRecipient redacts a recipient address according to its channel.
func RedactRecipient(channel, recipient string) string {
	switch channel {
	case "email":
		return RedactEmail(recipient)
	case "sms":
		return RedactPhone(recipient)
	case "push":
		return RedactToken(recipient)
	default:
		return "***"
	}
}
