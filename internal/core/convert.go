package core

// convert.go normalizes raw spreadsheet cells before they become product
// fields.
//
// Exported catalogs carry a few recurring artifacts:
//   - padding around values
//   - Excel's text-forcing formula wrapper (="00123") on SKUs with leading zeros
//   - booleans written as yes/no, y/n, t/f or 1/0

import "strings"

// CleanCell trims whitespace and unwraps an Excel ="..." text formula.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 3 && strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) {
		s = strings.TrimSpace(s[2 : len(s)-1])
	}
	return s
}

// ParseBool accepts true/false, yes/no, t/f, y/n and 1/0 in any case.
// ok is false for anything else, including the empty string.
func ParseBool(s string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "yes", "y", "1":
		return true, true
	case "false", "f", "no", "n", "0":
		return false, true
	default:
		return false, false
	}
}
