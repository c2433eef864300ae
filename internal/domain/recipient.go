package domain

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

var (
	phoneStripPattern = regexp.MustCompile(`[^\d\+]+`)
	e164Pattern       = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)
)

// NormalizeRecipient returns the canonical recipient key and the channel it implies.
func NormalizeRecipient(raw string) (string, Channel, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", "", fmt.Errorf("%w: recipient is required", ErrValidation)
	}

	if strings.Contains(s, "@") {
		addr, err := mail.ParseAddress(s)
		if err != nil {
			return "", "", fmt.Errorf("%w: invalid email recipient %q", ErrValidation, raw)
		}
		return strings.ToLower(addr.Address), ChannelEmail, nil
	}

	phone := NormalizePhone(s)
	if !e164Pattern.MatchString(phone) {
		return "", "", fmt.Errorf("%w: invalid phone recipient %q", ErrValidation, raw)
	}
	return phone, ChannelSMS, nil
}

// NormalizePhone converts user input into an E.164-like form. NANP numbers without
// a country code get +1.
func NormalizePhone(raw string) string {
	s := phoneStripPattern.ReplaceAllString(strings.TrimSpace(raw), "")

	switch {
	case strings.HasPrefix(s, "00"):
		s = "+" + s[2:]
	case strings.HasPrefix(s, "+"):
	case len(s) == 10:
		s = "+1" + s
	case len(s) == 11 && strings.HasPrefix(s, "1"):
		s = "+" + s
	}

	return s
}
