package config

import (
	"fmt"
	"strconv"
	"strings"
)

var sizeUnits = map[string]int64{
	"":  1,
	"B": 1,
	"K": 1 << 10,
	"M": 1 << 20,
	"G": 1 << 30,
	"T": 1 << 40,
}

// ParseSize parses a size such as 100, 64K, 1.5G or 10MiB into bytes.
// Units are powers of 1024 and case-insensitive.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	upper = strings.TrimSuffix(upper, "IB")
	if upper != "B" {
		upper = strings.TrimSuffix(upper, "B")
	}

	num, unit := upper, ""
	if n := len(upper); n > 0 && (upper[n-1] < '0' || upper[n-1] > '9') && upper[n-1] != '.' {
		num, unit = upper[:n-1], upper[n-1:]
	}
	multiplier, ok := sizeUnits[unit]
	if !ok || num == "" {
		return 0, fmt.Errorf("invalid size: %q", s)
	}

	if n, err := strconv.ParseInt(num, 10, 64); err == nil && n >= 0 {
		return n * multiplier, nil
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid size: %q", s)
	}
	return int64(f * float64(multiplier)), nil
}
