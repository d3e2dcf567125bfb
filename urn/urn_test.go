package urn

import (
	"crypto/sha1"
	"errors"
	"strings"
	"testing"

	qt "github.com/go-quicktest/qt"
)

func TestParseRoundTrip(t *testing.T) {
	u := FromDigest(sha1.Sum([]byte("hello")))
	qt.Assert(t, qt.IsTrue(strings.HasPrefix(u.String(), "urn:sha1:")))
	p, err := Parse(strings.ToLower(u.String()))
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(p, u))
	qt.Check(t, qt.HasLen(p.Hash(), 32))
}

func TestParseBitprint(t *testing.T) {
	u := FromDigest(sha1.Sum([]byte("x")))
	p, err := Parse("urn:bitprint:" + u.Hash() + ".ABCDEFG")
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(p, u))
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{"", "urn:sha1:", "urn:sha1:abc", "urn:md5:" + strings.Repeat("A", 32), "urn:sha1:" + strings.Repeat("1", 32)} {
		_, err := Parse(s)
		qt.Check(t, qt.IsTrue(errors.Is(err, ErrInvalid)), qt.Commentf("%q", s))
	}
}

func TestFromReader(t *testing.T) {
	u, err := FromReader(strings.NewReader("hello"))
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(u, FromDigest(sha1.Sum([]byte("hello")))))
	qt.Check(t, qt.IsFalse(u.IsZero()))
	qt.Check(t, qt.IsTrue(URN("").IsZero()))
}
