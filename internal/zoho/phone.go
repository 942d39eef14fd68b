package zoho

import "strings"

// NormalizePhone canonicalizes a caller number for CRM matching: formatting
// stripped, digits only, E.164 with a default +1 country code for bare
// 10-digit national numbers. Numbers too short to match return "".
func NormalizePhone(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	switch {
	case len(d) == 10:
		return "+1" + d
	case len(d) == 11 && d[0] == '1':
		return "+" + d
	case len(d) > 11:
		return "+" + d
	default:
		return ""
	}
}
