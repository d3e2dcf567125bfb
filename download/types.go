// Package download schedules downloads: which ones run, which wait, and how they're restored
// after a restart.
package download

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Type is the kind of download, which decides how the scheduler admits it.
type Type int

const (
	Normal Type = iota
	// System initiated, such as update files. Not counted against the user's download limit.
	InNetwork
	// At most one runs at a time, outside the general download limit.
	Store
	Magnet
	Torrent
	Resume
)

var typeNames = [...]string{
	Normal:    "normal",
	InNetwork: "innetwork",
	Store:     "store",
	Magnet:    "magnet",
	Torrent:   "torrent",
	Resume:    "resume",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	for i, n := range typeNames {
		if n == s {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown download type %q", s)
}

// GUID correlates a download with the query that found it.
type GUID [16]byte

func (g GUID) String() string {
	return strings.ToUpper(hex.EncodeToString(g[:]))
}

func ParseGUID(s string) (g GUID, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return
	}
	if len(b) != len(g) {
		err = fmt.Errorf("guid has %d bytes", len(b))
		return
	}
	copy(g[:], b)
	return
}

// SaveLocationErrorKind says why a download can't be saved where it was asked to.
type SaveLocationErrorKind int

const (
	// The same content is already being downloaded.
	AlreadyDownloading SaveLocationErrorKind = iota
	// Something is already at the save location and overwriting wasn't allowed.
	AlreadyExists
	// Another download is already saving to the location.
	AlreadyDownloadedTo
)

func (k SaveLocationErrorKind) String() string {
	switch k {
	case AlreadyDownloading:
		return "already downloading"
	case AlreadyExists:
		return "already exists"
	case AlreadyDownloadedTo:
		return "already downloaded to"
	default:
		return fmt.Sprintf("SaveLocationErrorKind(%d)", int(k))
	}
}

// SaveLocationError is returned when a download is refused before anything was created for it.
type SaveLocationError struct {
	Kind SaveLocationErrorKind
	Path string
}

func (me *SaveLocationError) Error() string {
	return fmt.Sprintf("%v: %q", me.Kind, me.Path)
}

// ErrCantResume is returned for incomplete files that don't describe a download.
var ErrCantResume = errors.New("can't resume")

// ErrNotDownloadable is returned for magnets with neither a hash nor a source.
var ErrNotDownloadable = errors.New("magnet not downloadable")
