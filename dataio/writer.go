package dataio

import (
	"bufio"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
)

// Writer is not safe for concurrent use.
type Writer interface {
	WriteLine(batch *DataBatch) error
	Flush() error
	Close() error
	// Upload publishes the written output at its final location.
	Upload() error
	// Discard closes the output and drops everything written so far.
	Discard() error
}

// #############################################################################

// FileWriter stages records in "<path>.tmp" and renames the file into place
// on Upload.
type FileWriter struct {
	fs     afero.Fs
	path   string
	tmp    string
	file   afero.File
	buf    *bufio.Writer
	closed bool
}

func NewFileWriter(fs afero.Fs, path string) (*FileWriter, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create output dir %s", dir)
		}
	}
	tmp := path + ".tmp"
	f, err := fs.Create(tmp)
	if err != nil {
		return nil, errors.Wrapf(err, "create output %s", tmp)
	}
	return &FileWriter{fs: fs, path: path, tmp: tmp, file: f, buf: bufio.NewWriter(f)}, nil
}

func (w *FileWriter) Path() string {
	return w.path
}

func (w *FileWriter) WriteLine(batch *DataBatch) error {
	if w.closed {
		return errors.Newf("write to closed output %s", w.path)
	}
	for i := 0; i < batch.Size(); i++ {
		if _, err := w.buf.Write(batch.Get(i)); err != nil {
			return errors.Wrap(err, "write record")
		}
		if err := w.buf.WriteByte('\n'); err != nil {
			return errors.Wrap(err, "write record")
		}
	}
	return nil
}

func (w *FileWriter) Flush() error {
	if w.closed {
		return nil
	}
	return errors.Wrap(w.buf.Flush(), "flush output")
}

func (w *FileWriter) Close() error {
	if w.closed {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return errors.Wrap(err, "flush output")
	}
	w.closed = true
	return errors.Wrap(w.file.Close(), "close output")
}

func (w *FileWriter) Upload() error {
	if err := w.Close(); err != nil {
		return err
	}
	return errors.Wrapf(w.fs.Rename(w.tmp, w.path), "publish output %s", w.path)
}

func (w *FileWriter) Discard() error {
	closeErr := w.Close()
	if err := w.fs.Remove(w.tmp); err != nil {
		if exists, _ := afero.Exists(w.fs, w.tmp); exists {
			return errors.Wrapf(err, "remove %s", w.tmp)
		}
	}
	return errors.Wrap(closeErr, "discard output")
}

// #############################################################################

type MemoryWriter struct {
	mu        sync.Mutex
	lines     [][]byte
	uploaded  bool
	discarded bool
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

func (w *MemoryWriter) WriteLine(batch *DataBatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, batch.Data()...)
	return nil
}

func (w *MemoryWriter) Flush() error { return nil }
func (w *MemoryWriter) Close() error { return nil }

func (w *MemoryWriter) Upload() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.uploaded = true
	return nil
}

func (w *MemoryWriter) Discard() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = nil
	w.discarded = true
	return nil
}

func (w *MemoryWriter) Lines() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]byte(nil), w.lines...)
}

func (w *MemoryWriter) Uploaded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.uploaded
}

func (w *MemoryWriter) Discarded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.discarded
}
