// Package memento serializes the resumable state of downloads and stores snapshots of them.
package memento

import (
	"bytes"
	"fmt"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

var ErrCorrupt = errors.New("corrupt memento")

type Range struct {
	Start  int64 `bencode:"start"`
	Length int64 `bencode:"length"`
}

// Memento is what's needed to recreate a download after a restart. Fields are plain values so
// the encoding stays stable across refactors of the downloader types.
type Memento struct {
	// Download type tag, such as "normal" or "store".
	Type           string `bencode:"type"`
	SHA1           string `bencode:"sha1"`
	FileName       string `bencode:"name"`
	Size           int64  `bencode:"size"`
	SaveFile       string `bencode:"save_file"`
	IncompleteFile string `bencode:"incomplete_file"`
	QueryGUID      string `bencode:"query_guid"`
	// Byte ranges already obtained.
	Ranges     []Range           `bencode:"ranges"`
	Sources    []string          `bencode:"sources"`
	Attributes map[string]string `bencode:"attributes"`
}

func (m Memento) String() string {
	return fmt.Sprintf("%s download of %q to %q", m.Type, m.FileName, m.SaveFile)
}

func Encode(m Memento) ([]byte, error) {
	var buf bytes.Buffer
	if m.Ranges == nil {
		m.Ranges = []Range{}
	}
	if m.Sources == nil {
		m.Sources = []string{}
	}
	if m.Attributes == nil {
		m.Attributes = map[string]string{}
	}
	if err := bencode.Marshal(&buf, m); err != nil {
		return nil, errors.Wrapf(err, "encoding %v", m)
	}
	return buf.Bytes(), nil
}

func Decode(b []byte) (m Memento, err error) {
	err = bencode.Unmarshal(bytes.NewReader(b), &m)
	if err != nil {
		err = errors.Wrap(ErrCorrupt, err.Error())
		return
	}
	if m.Type == "" || m.SaveFile == "" {
		err = errors.Wrapf(ErrCorrupt, "missing type or save file in %q", b)
	}
	return
}

func EncodeAll(ms []Memento) (raw [][]byte, err error) {
	raw = make([][]byte, 0, len(ms))
	for _, m := range ms {
		var b []byte
		b, err = Encode(m)
		if err != nil {
			return
		}
		raw = append(raw, b)
	}
	return
}

// DecodeAll decodes each entry independently so one bad entry doesn't lose the rest. errs has
// one element per entry that failed.
func DecodeAll(raw [][]byte) (ms []Memento, errs []error) {
	for i, b := range raw {
		m, err := Decode(b)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		ms = append(ms, m)
	}
	return
}

// Store persists a snapshot as an ordered list of encoded mementos. Write replaces the whole
// previous snapshot atomically.
type Store interface {
	// Returns no entries and no error if there is no snapshot yet.
	Read() ([][]byte, error)
	Write(entries [][]byte) error
	Close() error
}
