package supervisor

import (
	"regexp"
	"strings"
)

// defaultCountryCode replaces a leading national "0" in phone numbers.
const defaultCountryCode = "62"

var msisdnPattern = regexp.MustCompile(`^\d{8,15}$`)

// normalizeMSISDN canonicalises a phone number into international digits:
// formatting characters are stripped, a leading "+" is dropped and a leading
// national "0" is translated to the default country prefix.
func normalizeMSISDN(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, raw)

	cleaned = strings.TrimPrefix(cleaned, "+")
	if strings.HasPrefix(cleaned, "0") {
		cleaned = defaultCountryCode + cleaned[1:]
	}
	if !msisdnPattern.MatchString(cleaned) {
		return "", errInvalidTo
	}
	return cleaned, nil
}
