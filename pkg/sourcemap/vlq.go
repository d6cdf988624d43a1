package sourcemap

import (
	"errors"
	"strings"
)

const base64Chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

var base64Index [256]int8

func init() {
	for i := range base64Index {
		base64Index[i] = -1
	}
	for i := 0; i < len(base64Chars); i++ {
		base64Index[base64Chars[i]] = int8(i)
	}
}

var (
	ErrInvalidVLQ   = errors.New("sourcemap: invalid base64 VLQ digit")
	ErrTruncatedVLQ = errors.New("sourcemap: truncated VLQ value")
)

// writeVLQ appends the base64 VLQ encoding of value to sb.
func writeVLQ(sb *strings.Builder, value int) {
	vlq := value << 1
	if value < 0 {
		vlq = (-value << 1) | 1
	}
	for {
		digit := vlq & 31
		vlq >>= 5
		if vlq > 0 {
			digit |= 32
		}
		sb.WriteByte(base64Chars[digit])
		if vlq == 0 {
			return
		}
	}
}

// readVLQ decodes one value from s starting at i and returns the value and the
// index of the next unread byte.
func readVLQ(s string, i int) (int, int, error) {
	var result, shift int
	for {
		if i >= len(s) {
			return 0, i, ErrTruncatedVLQ
		}
		digit := base64Index[s[i]]
		if digit < 0 {
			return 0, i, ErrInvalidVLQ
		}
		i++
		result += int(digit&31) << shift
		shift += 5
		if digit&32 == 0 {
			break
		}
	}
	if result&1 == 1 {
		return -(result >> 1), i, nil
	}
	return result >> 1, i, nil
}
