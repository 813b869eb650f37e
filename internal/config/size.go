package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize converts a size such as "16MiB", "1.5GB" or "512" to bytes.
// SI and IEC suffixes are accepted in any case and a bare number is bytes.
// Empty means zero, which callers read as "no limit".
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if n > math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q: exceeds %d bytes", s, int64(math.MaxInt64))
	}

	return int64(n), nil
}
