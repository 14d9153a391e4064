package swarm

import (
	"io"
	"sync"
)

// pendingFetch routes blob chunks from one peer into a pipe.
type pendingFetch struct {
	peer   *peer
	reader *io.PipeReader
	writer *io.PipeWriter
	first  chan bool
	once   sync.Once
}

func newPendingFetch(target *peer) *pendingFetch {
	reader, writer := io.Pipe()
	return &pendingFetch{peer: target, reader: reader, writer: writer, first: make(chan bool, 1)}
}

// resolve reports whether the peer has the blob; only the first call counts.
func (f *pendingFetch) resolve(found bool) {
	f.once.Do(func() { f.first <- found })
}

func (f *pendingFetch) write(chunk []byte) error {
	_, err := f.writer.Write(chunk)
	return err
}

func (f *pendingFetch) finish() {
	_ = f.writer.Close()
}

func (f *pendingFetch) fail(err error) {
	f.resolve(false)
	_ = f.writer.CloseWithError(err)
}

type fetchReader struct {
	*io.PipeReader
	release func()
}

func (r *fetchReader) Close() error {
	r.release()
	return r.PipeReader.Close()
}
