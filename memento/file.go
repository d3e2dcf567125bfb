package memento

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/anacrolix/log"
	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// FileStore keeps the snapshot as a bencoded list in a single file. The previous snapshot is
// kept as a backup and used if the primary can't be read.
type FileStore struct {
	Path   string
	Logger log.Logger
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string, logger log.Logger) *FileStore {
	return &FileStore{Path: path, Logger: logger.WithNames("memento", "file")}
}

func (me *FileStore) BackupPath() string {
	return me.Path + ".bak"
}

func readFile(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var entries []string
	if err := bencode.Unmarshal(f, &entries); err != nil {
		return nil, errors.Wrapf(err, "decoding %q", path)
	}
	raw := make([][]byte, 0, len(entries))
	for _, e := range entries {
		raw = append(raw, []byte(e))
	}
	return raw, nil
}

func (me *FileStore) Read() ([][]byte, error) {
	raw, err := readFile(me.Path)
	if err == nil {
		return raw, nil
	}
	primaryErr := err
	me.Logger.Levelf(log.Debug, "reading %q: %v", me.Path, err)
	raw, err = readFile(me.BackupPath())
	if err == nil {
		me.Logger.Levelf(log.Warning, "restored snapshot from backup %q", me.BackupPath())
		if err := copyFile(me.BackupPath(), me.Path); err != nil {
			me.Logger.Levelf(log.Warning, "copying backup over primary: %v", err)
		}
		return raw, nil
	}
	if os.IsNotExist(primaryErr) && os.IsNotExist(err) {
		return nil, nil
	}
	return nil, errors.Wrap(primaryErr, "reading snapshot")
}

func (me *FileStore) Write(entries [][]byte) error {
	if err := os.MkdirAll(filepath.Dir(me.Path), 0o750); err != nil {
		return errors.Wrap(err, "creating snapshot dir")
	}
	list := make([]string, 0, len(entries))
	for _, e := range entries {
		list = append(list, string(e))
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, list); err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}
	tmp := me.Path + ".tmp"
	if err := writeSynced(tmp, buf.Bytes()); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "writing snapshot")
	}
	if err := os.Rename(me.Path, me.BackupPath()); err != nil && !os.IsNotExist(err) {
		me.Logger.Levelf(log.Warning, "backing up previous snapshot: %v", err)
	}
	return errors.Wrap(os.Rename(tmp, me.Path), "replacing snapshot")
}

func (me *FileStore) Close() error {
	return nil
}

func writeSynced(path string, b []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()
	tmp := to + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, to)
}
