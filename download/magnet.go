package download

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/anacrolix/gnutella/urn"
)

// MagnetLink is a parsed "magnet:?xt=urn:sha1:..." link.
type MagnetLink struct {
	SHA1        urn.URN
	DisplayName string
	// Exact length, if given.
	Size int64
	// Exact sources (xs) and acceptable sources (as).
	Sources []string
}

// IsDownloadable reports whether there's enough to find the content.
func (m MagnetLink) IsDownloadable() bool {
	return !m.SHA1.IsZero() || len(m.Sources) != 0
}

// FileNameForSaving is the display name, or a name derived from the hash.
func (m MagnetLink) FileNameForSaving() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	if !m.SHA1.IsZero() {
		return m.SHA1.Hash()
	}
	return "MAGNET download"
}

func ParseMagnetURI(uri string) (m MagnetLink, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		err = fmt.Errorf("error parsing uri: %w", err)
		return
	}
	if u.Scheme != "magnet" {
		err = fmt.Errorf("unexpected scheme: %q", u.Scheme)
		return
	}
	q := u.Query()
	for _, xt := range q["xt"] {
		var h urn.URN
		h, err = urn.Parse(xt)
		if err != nil {
			// Other hash types are fine as long as one is usable.
			err = nil
			continue
		}
		m.SHA1 = h
		break
	}
	m.DisplayName = q.Get("dn")
	if xl := q.Get("xl"); xl != "" {
		m.Size, err = strconv.ParseInt(xl, 10, 64)
		if err != nil {
			err = fmt.Errorf("error parsing xl: %w", err)
			return
		}
	}
	m.Sources = append(m.Sources, q["xs"]...)
	m.Sources = append(m.Sources, q["as"]...)
	return
}
