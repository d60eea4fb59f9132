// Package mailaddr extracts mailboxes from the free-form argument text that
// follows MAIL FROM: and RCPT TO: on the wire.
//
// The library does not implement its own RFC-5322 parser; it delegates to
// net/mail, the same approach taken by production SMTP servers that do not
// need a bespoke address grammar.
package mailaddr

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ErrNoAddress is returned when the argument text contains no parseable mailbox.
var ErrNoAddress = errors.New("mailaddr: no address found")

// ExtractOne parses exactly one mailbox out of arg, the text that follows the
// colon in "MAIL FROM:<addr>" or similar. It tolerates the common wire
// variants: angle brackets, no angle brackets, and a null sender "<>".
func ExtractOne(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "<>" {
		return "", nil
	}
	if arg == "" {
		return "", fmt.Errorf("%w: empty", ErrNoAddress)
	}
	addr, err := mail.ParseAddress(arg)
	if err != nil {
		// mail.ParseAddress rejects an address followed by trailing ESMTP
		// parameters, e.g. "<a@b> SIZE=1000". Retry with only the first
		// whitespace-separated token.
		bare := strings.Fields(arg)
		if len(bare) == 0 {
			return "", fmt.Errorf("%w: %q", ErrNoAddress, arg)
		}
		addr, err = mail.ParseAddress(bare[0])
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrNoAddress, arg)
		}
	}
	return addr.Address, nil
}

// ExtractList parses an RFC-5322 address-list (as used by a header such as
// "To:") and returns the mailbox of each entry. Used only when a caller
// passes a full address header rather than a single bare mailbox.
func ExtractList(arg string) ([]string, error) {
	list, err := mail.ParseAddressList(arg)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNoAddress, arg)
	}
	addrs := make([]string, len(list))
	for i, a := range list {
		addrs[i] = a.Address
	}
	return addrs, nil
}

// Domain returns the substring of addr following the final '@'. Per the
// inherited limitation noted in the spec, a local part containing '@' inside
// a quoted string is not handled specially; the final '@' always wins.
func Domain(addr string) string {
	idx := strings.LastIndexByte(addr, '@')
	if idx == -1 {
		return ""
	}
	return addr[idx+1:]
}
