package session

import (
	"fmt"
	"strings"
)

const (
	DomainIndividual = "s.whatsapp.net"
	DomainGroup      = "g.us"
	DomainBroadcast  = "broadcast"
	legacyDomain     = "c.us"
	statusBroadcast  = "status@" + DomainBroadcast
)

// RecipientID is a canonical network identifier: user@domain.
type RecipientID string

func (r RecipientID) String() string { return string(r) }

// Domain returns the part after '@', or "" when absent.
func (r RecipientID) Domain() string {
	s := string(r)
	if at := strings.LastIndexByte(s, '@'); at >= 0 {
		return s[at+1:]
	}
	return ""
}

// User returns the part before '@'.
func (r RecipientID) User() string {
	s := string(r)
	if at := strings.LastIndexByte(s, '@'); at >= 0 {
		return s[:at]
	}
	return s
}

// IsIndividual reports whether the id addresses a single account and must
// be checked for registration before sending.
func (r RecipientID) IsIndividual() bool {
	return r.Domain() == DomainIndividual
}

func (r RecipientID) IsGroup() bool { return r.Domain() == DomainGroup }

// NormalizeRecipient maps a human-entered destination to a canonical
// RecipientID. It is idempotent.
func NormalizeRecipient(input string) (RecipientID, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return "", fmt.Errorf("%w: blank destination", ErrInvalidRequest)
	}
	if user, domain, ok := strings.Cut(raw, "@"); ok {
		if user == "" || strings.ContainsAny(user, " \t") || strings.Contains(domain, "@") {
			return "", fmt.Errorf("%w: malformed destination %q", ErrInvalidRequest, input)
		}
		switch domain {
		case legacyDomain:
			return RecipientID(user + "@" + DomainIndividual), nil
		case DomainIndividual, DomainGroup, DomainBroadcast:
			return RecipientID(raw), nil
		default:
			return "", fmt.Errorf("%w: unsupported domain %q", ErrInvalidRequest, domain)
		}
	}
	if raw == "status" {
		return RecipientID(statusBroadcast), nil
	}
	// Legacy owner-timestamp group ids; any other hyphen is phone punctuation
	// such as "+1 (555) 010-0000".
	if isGroupToken(raw) {
		return RecipientID(raw + "@" + DomainGroup), nil
	}
	if !hasOnlyPhoneRunes(raw) {
		return "", fmt.Errorf("%w: destination %q is not a phone number", ErrInvalidRequest, input)
	}
	digits := digitsOnly(raw)
	if digits == "" {
		return "", fmt.Errorf("%w: destination %q has no digits", ErrInvalidRequest, input)
	}
	return RecipientID(digits + "@" + DomainIndividual), nil
}

// isGroupToken matches the creator-timestamp form of a group id: two digit
// runs joined by one hyphen, without phone punctuation.
func isGroupToken(raw string) bool {
	parts := strings.Split(raw, "-")
	if len(parts) != 2 {
		return false
	}
	for _, part := range parts {
		if part == "" || digitsOnly(part) != part {
			return false
		}
	}
	return true
}

// hasOnlyPhoneRunes reports whether raw looks like a formatted phone number
// ("+1 (555) 010-0000").
func hasOnlyPhoneRunes(raw string) bool {
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
		case r == '+', r == ' ', r == '-', r == '(', r == ')', r == '.':
		default:
			return false
		}
	}
	return true
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
