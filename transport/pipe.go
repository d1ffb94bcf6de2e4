package transport

import (
	"io"
	"sync"
)

// PipeAdapter is the in-process variant of Adapter: it wires a
// Connection directly to a server implementation running in the same
// binary over an io.Pipe pair, with no subprocess involved. Useful for
// tests and for embedding a server alongside its client.
type PipeAdapter struct {
	clientReader *io.PipeReader
	clientWriter *io.PipeWriter
	serverReader *io.PipeReader
	serverWriter *io.PipeWriter

	mu      sync.Mutex
	stopped bool
	exited  chan struct{}
	exitErr error
}

// NewPipeAdapter returns a connected pair: the Adapter side (for the
// Connection) and the server side (an io.ReadWriteCloser-like pair of
// Reader/Writer a test or embedded server implementation should use).
func NewPipeAdapter() (adapter *PipeAdapter, serverR io.Reader, serverW io.Writer) {
	crOut, cwIn := io.Pipe() // client reads what the server writes
	srOut, swIn := io.Pipe() // server reads what the client writes

	a := &PipeAdapter{
		clientReader: crOut,
		clientWriter: swIn,
		serverReader: srOut,
		serverWriter: cwIn,
		exited:       make(chan struct{}),
	}
	return a, srOut, cwIn
}

func (p *PipeAdapter) Start() error { return nil }

func (p *PipeAdapter) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true
	_ = p.clientWriter.Close()
	_ = p.clientReader.Close()
	close(p.exited)
	return nil
}

func (p *PipeAdapter) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.stopped
}

func (p *PipeAdapter) Exited() <-chan struct{} { return p.exited }

func (p *PipeAdapter) ExitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *PipeAdapter) Input() io.Writer  { return p.clientWriter }
func (p *PipeAdapter) Output() io.Reader { return p.clientReader }
