package dataio

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"ecdh_mpsi/protocol"
)

var (
	ErrOutputExists    = errors.New("output already exists")
	ErrMissingResource = errors.New("missing data resource")
)

// Loader opens readers and writers for resource descriptors on one
// filesystem. Memory outputs are kept by path so callers can collect them.
type Loader struct {
	fs afero.Fs

	mu      sync.Mutex
	outputs map[string]*MemoryWriter
}

func NewLoader(fs afero.Fs) *Loader {
	return &Loader{fs: fs, outputs: make(map[string]*MemoryWriter)}
}

func NewOsLoader() *Loader {
	return NewLoader(afero.NewOsFs())
}

func (l *Loader) Fs() afero.Fs {
	return l.fs
}

func (l *Loader) LoadReader(res *protocol.DataResource) (Reader, error) {
	if res == nil {
		return nil, errors.Wrap(ErrMissingResource, "no data resource")
	}
	if res.RawData != nil {
		return NewMemoryReader(res.RawData), nil
	}
	if res.Input == nil {
		return nil, errors.Wrap(ErrMissingResource, "no input descriptor")
	}
	switch res.Input.Type {
	case protocol.FileResource:
		return NewFileReader(l.fs, res.Input.Path)
	case protocol.MemoryResource:
		return NewMemoryReader(nil), nil
	}
	return nil, errors.Newf("unsupported input resource type %d", res.Input.Type)
}

func (l *Loader) LoadWriter(desc *protocol.ResourceDesc, enableOutputExists bool) (Writer, error) {
	if desc == nil {
		return nil, errors.Wrap(ErrMissingResource, "no output descriptor")
	}
	switch desc.Type {
	case protocol.FileResource:
		exists, err := afero.Exists(l.fs, desc.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "stat output %s", desc.Path)
		}
		if exists && !enableOutputExists {
			return nil, errors.Wrapf(ErrOutputExists, "%s", desc.Path)
		}
		return NewFileWriter(l.fs, desc.Path)
	case protocol.MemoryResource:
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.outputs[desc.Path]; ok && !enableOutputExists {
			return nil, errors.Wrapf(ErrOutputExists, "memory:%s", desc.Path)
		}
		w := NewMemoryWriter()
		l.outputs[desc.Path] = w
		return w, nil
	}
	return nil, errors.Newf("unsupported output resource type %d", desc.Type)
}

func (l *Loader) MemoryOutput(path string) *MemoryWriter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outputs[path]
}
