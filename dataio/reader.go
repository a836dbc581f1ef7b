package dataio

import (
	"bufio"
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"ecdh_mpsi/protocol"
)

const maxLineSize = 1 << 20

// Reader streams records in batches. Next returns (nil, nil) once the input
// is exhausted; a size <= 0 reads everything that is left.
type Reader interface {
	Next(size int) (*DataBatch, error)
	ReadFinished() bool
	Type() protocol.ResourceType
	Clean() error
}

// #############################################################################

// FileReader reads one record per line. Empty lines are skipped. It keeps one
// line of lookahead so ReadFinished is exact right after the last batch.
type FileReader struct {
	file    afero.File
	scanner *bufio.Scanner
	next    []byte
	hasNext bool
	closed  bool
}

func NewFileReader(fs afero.Fs, path string) (*FileReader, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open input %s", path)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	r := &FileReader{file: f, scanner: scanner}
	if err := r.advance(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *FileReader) advance() error {
	r.hasNext = false
	for r.scanner.Scan() {
		line := bytes.TrimRight(r.scanner.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		r.next = append([]byte(nil), line...)
		r.hasNext = true
		return nil
	}
	return errors.Wrap(r.scanner.Err(), "scan input")
}

func (r *FileReader) Next(size int) (*DataBatch, error) {
	if !r.hasNext {
		return nil, nil
	}
	batch := NewDataBatch(nil)
	for r.hasNext && (size <= 0 || batch.Size() < size) {
		batch.Append(r.next)
		if err := r.advance(); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

func (r *FileReader) ReadFinished() bool {
	return !r.hasNext
}

func (r *FileReader) Type() protocol.ResourceType {
	return protocol.FileResource
}

func (r *FileReader) Clean() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// #############################################################################

type MemoryReader struct {
	data   [][]byte
	offset int
}

func NewMemoryReader(data [][]byte) *MemoryReader {
	return &MemoryReader{data: data}
}

func (r *MemoryReader) Next(size int) (*DataBatch, error) {
	if r.offset >= len(r.data) {
		return nil, nil
	}
	end := len(r.data)
	if size > 0 && r.offset+size < end {
		end = r.offset + size
	}
	batch := NewDataBatch(r.data[r.offset:end:end])
	r.offset = end
	return batch, nil
}

func (r *MemoryReader) ReadFinished() bool {
	return r.offset >= len(r.data)
}

func (r *MemoryReader) Type() protocol.ResourceType {
	return protocol.MemoryResource
}

func (r *MemoryReader) Clean() error {
	r.data = nil
	return nil
}
