package server

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// MaxAmountIDR caps any single order.
const MaxAmountIDR = 1_000_000_000_000

var (
	// ErrBadAmount is returned for inputs that do not resolve to a positive
	// rupiah integer.
	ErrBadAmount = errors.New("server: unparseable IDR amount")

	dotThousands   = regexp.MustCompile(`^\d{1,3}(\.\d{3})+(,\d+)?$`)
	commaThousands = regexp.MustCompile(`^\d{1,3}(,\d{3})+(\.\d+)?$`)
	plainAmount    = regexp.MustCompile(`^\d+([.,]\d+)?$`)
)

// ParseIDR resolves user-entered rupiah amounts. Accepts "100000",
// "100.000" (Indonesian thousands), "100,000", an optional Rp/IDR prefix,
// and ignores fractional rupiah. The result must be positive and at most
// MaxAmountIDR.
func ParseIDR(input string) (int64, error) {
	s := strings.TrimSpace(input)
	for _, prefix := range []string{"rp.", "rp", "idr"} {
		if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	if s == "" {
		return 0, ErrBadAmount
	}

	var digits string
	switch {
	case dotThousands.MatchString(s):
		if comma := strings.IndexByte(s, ','); comma >= 0 {
			s = s[:comma]
		}
		digits = strings.ReplaceAll(s, ".", "")
	case commaThousands.MatchString(s):
		if dot := strings.IndexByte(s, '.'); dot >= 0 {
			s = s[:dot]
		}
		digits = strings.ReplaceAll(s, ",", "")
	case plainAmount.MatchString(s):
		// Not a separator pattern, so anything after the mark is a
		// fraction of a rupiah and is dropped.
		if i := strings.IndexAny(s, ".,"); i >= 0 {
			s = s[:i]
		}
		digits = s
	default:
		return 0, ErrBadAmount
	}

	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, ErrBadAmount
	}
	if value <= 0 || value > MaxAmountIDR {
		return 0, ErrBadAmount
	}
	return value, nil
}
