package config

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

var (
	ErrBufferSizeEmpty    = errors.New("buffer size is empty")
	ErrBufferSizeZero     = errors.New("buffer size cannot be 0")
	ErrBufferSizeInvalid  = errors.New("buffer size has an invalid format")
	ErrBufferSizeTooLarge = errors.New("buffer size must be less than 4GB")
)

// ParseBufferSize parses a human-readable byte count: a plain number with
// an optional K/M/G suffix (optionally followed by 'b'/'B'), in decimal or
// with a 0x/0o/0b radix prefix. Zero and values of 4GB or more are
// rejected.
func ParseBufferSize(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrBufferSizeEmpty
	}

	radix := 10
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "0x"):
		radix, s = 16, s[2:]
	case strings.HasPrefix(lower, "0o"):
		radix, s = 8, s[2:]
	case strings.HasPrefix(lower, "0b"):
		radix, s = 2, s[2:]
	}

	multiplier := uint64(1)
	lower = strings.ToLower(s)
	if n := len(lower); n > 0 {
		switch lower[n-1] {
		case 'k':
			multiplier, s = 1<<10, s[:n-1]
		case 'm':
			multiplier, s = 1<<20, s[:n-1]
		case 'g':
			multiplier, s = 1<<30, s[:n-1]
		case 'b':
			// A trailing 'b' may close a K/M/G suffix, or be a hex digit.
			if n > 1 {
				switch lower[n-2] {
				case 'k':
					multiplier, s = 1<<10, s[:n-2]
				case 'm':
					multiplier, s = 1<<20, s[:n-2]
				case 'g':
					multiplier, s = 1<<30, s[:n-2]
				default:
					if radix < 11 {
						s = s[:n-1]
					}
				}
			} else if radix < 11 {
				s = s[:n-1]
			}
		}
	}

	if s == "" {
		return 0, ErrBufferSizeEmpty
	}

	value, err := strconv.ParseUint(s, radix, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, ErrBufferSizeTooLarge
		}
		return 0, ErrBufferSizeInvalid
	}
	if value == 0 {
		return 0, ErrBufferSizeZero
	}

	total := value * multiplier
	if total/multiplier != value || total > math.MaxUint32 {
		return 0, ErrBufferSizeTooLarge
	}
	return uint32(total), nil
}
