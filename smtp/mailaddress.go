package smtp

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// MailAddress is a parsed mailbox, local-part and domain kept separate so
// the domain can be case-folded independently (RFC 5321 §2.3.11: the
// local-part MAY be case sensitive, the domain MUST NOT be).
//
// Grounded on the teacher's smtp.MailAddress, trimmed of the Name field
// (the core never parses a display name, only the bracketed address) and
// of the reverse-DNS/SPF-adjacent methods that moved to validator.go.
type MailAddress struct {
	Local  string
	Domain string
}

// String renders the address as local@domain, without angle brackets, or
// as "<>" for the null reverse-path.
func (m MailAddress) String() string {
	if m.Local == "" && m.Domain == "" {
		return "<>"
	}
	return m.Local + "@" + m.Domain
}

// Keep the permissive regex semantics the spec calls for (§9 design note):
// stricter RFC 5321 grammar is explicitly out of scope because it would
// reject inputs the test scenarios expect to be accepted.
var (
	mailFromRegex   = regexp.MustCompile(`(?i)^from:\s*<([^@>]*)@([^@>]+)>(?:\s+(.*))?$`)
	mailBounceRegex = regexp.MustCompile(`(?i)^from:\s*<>\s*(?:\s+(.*))?$`)
	rcptToRegex     = regexp.MustCompile(`(?i)^to:\s*<([^@>]+)@([^@>]+)>\s*$`)
	sizeParamRegex  = regexp.MustCompile(`(?i)\bSIZE=(\d+)\b`)
)

// ErrInvalidAddress is returned by parseMailFrom/parseRcptTo when the
// argument string doesn't match the permissive address grammar.
var ErrInvalidAddress = errors.New("smtp: bad sender address syntax")

// parseMailFrom parses the argument of a MAIL command ("FROM:<addr>
// [SIZE=n]" or "FROM:<>"). An empty-bounce address yields a zero
// MailAddress with both fields empty, per spec §4.4/§8.
func parseMailFrom(args string) (addr MailAddress, size int64, err error) {
	args = strings.TrimSpace(args)

	if m := mailBounceRegex.FindStringSubmatch(args); m != nil {
		size = parseSizeParam(args)
		return MailAddress{}, size, nil
	}

	m := mailFromRegex.FindStringSubmatch(args)
	if m == nil {
		return MailAddress{}, 0, ErrInvalidAddress
	}
	size = parseSizeParam(args)
	return MailAddress{Local: m[1], Domain: strings.ToLower(m[2])}, size, nil
}

// parseRcptTo parses the argument of a RCPT command ("TO:<addr>"). The
// empty bounce address is not a valid recipient.
func parseRcptTo(args string) (MailAddress, error) {
	args = strings.TrimSpace(args)

	m := rcptToRegex.FindStringSubmatch(args)
	if m == nil {
		return MailAddress{}, ErrInvalidAddress
	}
	return MailAddress{Local: m[1], Domain: strings.ToLower(m[2])}, nil
}

func parseSizeParam(args string) int64 {
	m := sizeParamRegex.FindStringSubmatch(args)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// addRecipient appends addr to to, deduplicating case-insensitively on the
// domain (the local part is compared verbatim, per spec §3/§8).
func addRecipient(to []MailAddress, addr MailAddress) []MailAddress {
	for _, existing := range to {
		if existing.Local == addr.Local && strings.EqualFold(existing.Domain, addr.Domain) {
			return to
		}
	}
	return append(to, addr)
}
