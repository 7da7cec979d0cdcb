package streamreader

import "os"

// FileSource adapts an *os.File to the Source interface.
type FileSource struct {
	f    *os.File
	size int64
}

// OpenFile opens name for reading and wraps it as a Source.
func OpenFile(name string) (*FileSource, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileSource{f: f, size: info.Size()}, nil
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *FileSource) Size() int64                             { return s.size }
func (s *FileSource) Close() error                            { return s.f.Close() }
