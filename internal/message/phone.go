package message

import (
	"fmt"
	"strings"
)

// NormalizePhone strips everything but digits, including a leading +.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidatePhone checks an already normalized number against E.164 length.
func ValidatePhone(phone string) error {
	if len(phone) < 7 || len(phone) > 15 {
		return fmt.Errorf("phone %q must have 7 to 15 digits", phone)
	}
	return nil
}
