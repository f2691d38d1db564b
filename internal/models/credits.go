package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Credits is a fixed-point credit amount in hundredths of a credit.
// It marshals as a two-decimal JSON number so balances survive the
// round trip without floating point drift.
type Credits int64

// CreditsPerDay is the price of one licensed day.
const CreditsPerDay Credits = 100

// CreditsFromDays returns the cost of a license covering the given duration.
func CreditsFromDays(days int) Credits {
	return Credits(days) * CreditsPerDay
}

func (c Credits) String() string {
	v := int64(c)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (c Credits) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Credits) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseCredits(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCredits parses a decimal credit amount ("100", "99.5", "-0.25")
// with at most two fractional digits.
func ParseCredits(s string) (Credits, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty credit amount")
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	intPart, fracPart := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > 2 {
		return 0, fmt.Errorf("credit amount %q has more than two decimal places", s)
	}
	for len(fracPart) < 2 {
		fracPart += "0"
	}

	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid credit amount %q", s)
	}
	frac, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid credit amount %q", s)
	}

	v := whole*100 + frac
	if negative {
		v = -v
	}
	return Credits(v), nil
}
