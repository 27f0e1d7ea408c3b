// Package util holds small shared helpers.
package util

import "strings"

// MaskPhone obscures a phone number for logging, keeping the leading country
// code marker and the last two digits. Participant phone numbers are study
// PII and must not appear whole in log output.
func MaskPhone(phone string) string {
	trimmed := strings.TrimSpace(phone)
	prefix := ""
	rest := trimmed
	if strings.HasPrefix(trimmed, "+") && len(trimmed) > 2 {
		prefix = trimmed[:2]
		rest = trimmed[2:]
	}
	if len(rest) <= 2 {
		return prefix + "***"
	}
	return prefix + strings.Repeat("*", len(rest)-2) + rest[len(rest)-2:]
}
