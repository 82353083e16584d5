// Package rank computes lexicographic order keys for cards.
//
// A key is a non-empty string over [0-9a-z] that never ends in '0'. Read as
// a base-36 fraction 0.d1d2d3..., plain byte comparison of two keys matches
// numeric comparison of their fractions, and because no key ends in the
// smallest digit there is always room for another key between any two
// distinct keys. Appends and prepends move by a fixed step inside the first
// six digits so that long runs of Next or Previous keep keys short; Between
// bisects and only grows the key when the interval is exhausted.
package rank

import (
	"errors"
	"fmt"
	"strings"
)

const (
	digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	base   = int64(len(digits))
	width  = 6
	step   = int64(8)
)

var (
	ErrInvalidKey   = errors.New("rank: invalid key")
	ErrInvalidRange = errors.New("rank: first key must sort strictly before the second")
)

// space is base^width, the number of distinct fixed-width prefixes.
var space = func() int64 {
	n := int64(1)
	for i := 0; i < width; i++ {
		n *= base
	}
	return n
}()

// Middle returns the key in the middle of the key space.
func Middle() string {
	return midpoint("", "", false)
}

// Next returns a key that sorts strictly after key.
func Next(key string) (string, error) {
	if err := Validate(key); err != nil {
		return "", err
	}
	if v := prefixValue(key) + step; v < space {
		return encode(v), nil
	}
	return midpoint(key, "", false), nil
}

// Previous returns a key that sorts strictly before key.
func Previous(key string) (string, error) {
	if err := Validate(key); err != nil {
		return "", err
	}
	if v := prefixValue(key) - step; v >= 1 {
		return encode(v), nil
	}
	return midpoint("", key, true), nil
}

// Between returns a key r with a < r < b.
func Between(a, b string) (string, error) {
	if err := Validate(a); err != nil {
		return "", err
	}
	if err := Validate(b); err != nil {
		return "", err
	}
	if a >= b {
		return "", fmt.Errorf("%w: %q >= %q", ErrInvalidRange, a, b)
	}
	return midpoint(a, b, true), nil
}

// Validate reports whether key is a well formed rank.
func Validate(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for i := 0; i < len(key); i++ {
		if strings.IndexByte(digits, key[i]) < 0 {
			return fmt.Errorf("%w: %q has character %q", ErrInvalidKey, key, key[i])
		}
	}
	if key[len(key)-1] == digits[0] {
		return fmt.Errorf("%w: %q ends with %q", ErrInvalidKey, key, digits[0])
	}
	return nil
}

// prefixValue reads the first width digits of key, padding with zeros.
func prefixValue(key string) int64 {
	var v int64
	for i := 0; i < width; i++ {
		v *= base
		if i < len(key) {
			v += int64(strings.IndexByte(digits, key[i]))
		}
	}
	return v
}

// encode writes v as width digits and trims trailing zeros. v must be > 0.
func encode(v int64) string {
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = digits[v%base]
		v /= base
	}
	return strings.TrimRight(string(buf), digits[:1])
}

// midpoint returns a key strictly between a and b. An empty a stands for the
// bottom of the space; bounded=false stands for the top.
func midpoint(a, b string, bounded bool) string {
	if bounded {
		n := 0
		for n < len(b) && digitAt(a, n) == b[n] {
			n++
		}
		if n > 0 {
			rest := ""
			if n < len(a) {
				rest = a[n:]
			}
			return b[:n] + midpoint(rest, b[n:], n < len(b))
		}
	}

	lo := int64(0)
	if a != "" {
		lo = int64(strings.IndexByte(digits, a[0]))
	}
	hi := base
	if bounded {
		hi = int64(strings.IndexByte(digits, b[0]))
	}
	if hi-lo > 1 {
		return string(digits[(lo+hi+1)/2])
	}
	if bounded && len(b) > 1 {
		return b[:1]
	}
	rest := ""
	if a != "" {
		rest = a[1:]
	}
	return string(digits[lo]) + midpoint(rest, "", false)
}

func digitAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return digits[0]
}
