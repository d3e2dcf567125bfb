// Package urn handles the content identifiers Gnutella peers use to name files.
package urn

import (
	"crypto/sha1"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"strings"
)

const sha1Prefix = "urn:sha1:"

// Length of a base32 encoded SHA1 digest.
const sha1EncodedLen = 32

var ErrInvalid = errors.New("invalid urn")

// URN is a canonical "urn:sha1:<BASE32>" string. The zero value means unknown.
type URN string

func (me URN) IsZero() bool {
	return me == ""
}

func (me URN) String() string {
	return string(me)
}

// Hash returns the base32 digest portion.
func (me URN) Hash() string {
	return strings.TrimPrefix(string(me), sha1Prefix)
}

// Parse accepts "urn:sha1:<hash>" in any letter case, and the bitprint form whose first 32
// characters are the SHA1.
func Parse(s string) (URN, error) {
	s = strings.TrimSpace(s)
	if len(s) < len(sha1Prefix) || !strings.EqualFold(s[:len(sha1Prefix)], sha1Prefix) {
		if strings.HasPrefix(strings.ToLower(s), "urn:bitprint:") {
			rest := s[len("urn:bitprint:"):]
			if len(rest) < sha1EncodedLen {
				return "", fmt.Errorf("%w: short bitprint %q", ErrInvalid, s)
			}
			return parseHash(rest[:sha1EncodedLen])
		}
		return "", fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return parseHash(s[len(sha1Prefix):])
}

func parseHash(h string) (URN, error) {
	h = strings.ToUpper(h)
	if len(h) != sha1EncodedLen {
		return "", fmt.Errorf("%w: hash length %d", ErrInvalid, len(h))
	}
	b, err := base32.StdEncoding.DecodeString(h)
	if err != nil || len(b) != sha1.Size {
		return "", fmt.Errorf("%w: bad base32 %q", ErrInvalid, h)
	}
	return URN(sha1Prefix + h), nil
}

func MustParse(s string) URN {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

func FromDigest(sum [sha1.Size]byte) URN {
	return URN(sha1Prefix + base32.StdEncoding.EncodeToString(sum[:]))
}

// FromReader hashes everything readable from r.
func FromReader(r io.Reader) (URN, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	var sum [sha1.Size]byte
	copy(sum[:], h.Sum(nil))
	return FromDigest(sum), nil
}
