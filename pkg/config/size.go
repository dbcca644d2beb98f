package config

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/auditkit/auditkit/pkg/errclass"
	"github.com/auditkit/auditkit/pkg/logging"
)

// DefaultMaxSize is used when a size carries an unknown unit.
const DefaultMaxSize int64 = 100 * 1024 * 1024

var sizePattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([A-Za-z]*)$`)

var sizeUnits = map[string]int64{
	"":   1,
	"B":  1,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

// ParseSize converts a human size such as "100MB", "50KB", "2GB" or "512B"
// into bytes using binary multiples. An unrecognised unit falls back to
// DefaultMaxSize with a warning; a value without a leading number is an
// ErrConfiguration.
func ParseSize(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	m := sizePattern.FindStringSubmatch(trimmed)
	if m == nil {
		if len(trimmed) > 0 && trimmed[0] >= '0' && trimmed[0] <= '9' {
			logging.Warn("unrecognised size format, using default", map[string]any{"value": s, "default": DefaultMaxSize})
			return DefaultMaxSize, nil
		}
		return 0, errclass.ErrConfiguration.WithMessagef("invalid size %q", s)
	}

	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, errclass.ErrConfiguration.Wrapf(err, "invalid size %q", s)
	}
	mult, ok := sizeUnits[strings.ToUpper(m[2])]
	if !ok {
		logging.Warn("unknown size unit, using default", map[string]any{"value": s, "unit": m[2], "default": DefaultMaxSize})
		return DefaultMaxSize, nil
	}
	size := n * float64(mult)
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold
	if size >= math.MaxInt64 {
		return 0, errclass.ErrConfiguration.WithMessagef("size %q is too large", s)
	}
	return int64(size), nil
}
