package api

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that round-trips through the compact textual
// form used by process definitions ("30s", "5m", "1h30m", "1d")
type Duration time.Duration

const day = 24 * time.Hour

var (
	ErrDurationEmpty   = errors.New("duration empty")
	ErrDurationInvalid = errors.New("invalid duration")

	durationSegment = regexp.MustCompile(`^(\d+)(ms|s|m|h|d)`)

	durationUnits = map[string]time.Duration{
		"ms": time.Millisecond,
		"s":  time.Second,
		"m":  time.Minute,
		"h":  time.Hour,
		"d":  day,
	}
)

// ParseDuration parses a compact duration such as "30s", "100ms", or the
// composite "1h30m". A bare "1d" is accepted as 24 hours
func ParseDuration(s string) (Duration, error) {
	if s == "" {
		return 0, ErrDurationEmpty
	}

	var total time.Duration
	rest := s
	for rest != "" {
		m := durationSegment.FindStringSubmatch(rest)
		if m == nil {
			return 0, fmt.Errorf("%w: %q", ErrDurationInvalid, s)
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrDurationInvalid, s)
		}
		total += time.Duration(n) * durationUnits[m[2]]
		rest = rest[len(m[0]):]
	}
	return Duration(total), nil
}

// Std returns the duration as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String renders the duration in its compact form, preferring whole days,
// then hours, minutes, seconds, and milliseconds
func (d Duration) String() string {
	v := time.Duration(d)
	if v == 0 {
		return "0s"
	}

	var sb strings.Builder
	for _, unit := range []struct {
		suffix string
		size   time.Duration
	}{
		{"d", day},
		{"h", time.Hour},
		{"m", time.Minute},
		{"s", time.Second},
		{"ms", time.Millisecond},
	} {
		if v >= unit.size {
			sb.WriteString(strconv.FormatInt(int64(v/unit.size), 10))
			sb.WriteString(unit.suffix)
			v %= unit.size
		}
	}
	return sb.String()
}

// MarshalJSON renders the duration as its compact string form
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}

// UnmarshalJSON accepts either the compact string form or integer
// nanoseconds for backward compatibility
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return err
		}
		parsed, err := ParseDuration(s)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	}

	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDurationInvalid, data)
	}
	*d = Duration(n)
	return nil
}

// UnmarshalYAML accepts the compact string form from definitions
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML renders the duration as its compact string form
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
