// Package serialtest provides in-memory ports and enumerators for tests of
// code built on serialcomm.
package serialtest

import (
	"bytes"
	"os"
	"sync"

	"rakgateway/serialcomm"
)

// Port is an in-memory serialcomm.Port. Bytes passed to Feed are returned
// by Read; bytes written are recorded.
type Port struct {
	reads  chan []byte
	fail   chan error
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	pending  []byte
	written  bytes.Buffer
	writes   int
	writeErr error
}

// NewPort returns an open Port.
func NewPort() *Port {
	return &Port{
		reads:  make(chan []byte, 64),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// Feed queues chunk for the reader. It reports false if the port is closed.
func (p *Port) Feed(chunk []byte) bool {
	// Both cases below are ready once the port is closed and the buffer
	// has room, so closed is checked on its own first.
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case <-p.closed:
		return false
	case p.reads <- append([]byte(nil), chunk...):
		return true
	}
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	select {
	case <-p.closed:
		return 0, os.ErrClosed
	case err := <-p.fail:
		return 0, err
	case chunk := <-p.reads:
		n := copy(b, chunk)
		if n < len(chunk) {
			p.mu.Lock()
			p.pending = append(p.pending, chunk[n:]...)
			p.mu.Unlock()
		}
		return n, nil
	}
}

func (p *Port) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, os.ErrClosed
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.writes++
	return p.written.Write(b)
}

func (p *Port) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// FailRead makes the next Read return err, as a hard I/O error would.
func (p *Port) FailRead(err error) {
	p.fail <- err
}

// Closed reports whether Close was called.
func (p *Port) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Written returns a copy of every byte written so far.
func (p *Port) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.written.Bytes())
}

// Writes returns the number of Write calls that succeeded.
func (p *Port) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

// FailWrites makes subsequent writes return err; nil restores them.
func (p *Port) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Opener hands out a fresh Port for every open and records them.
type Opener struct {
	mu    sync.Mutex
	err   error
	names []string
	ports []*Port
}

// Open implements serialcomm.PortOpener.
func (o *Opener) Open(name string, _ serialcomm.SerialConfig) (serialcomm.Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	p := NewPort()
	o.names = append(o.names, name)
	o.ports = append(o.ports, p)
	return p, nil
}

// Fail makes subsequent opens return err; nil restores them.
func (o *Opener) Fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

// Last returns the most recently opened port and its name.
func (o *Opener) Last() (*Port, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.ports) == 0 {
		return nil, ""
	}
	return o.ports[len(o.ports)-1], o.names[len(o.names)-1]
}

// Opens returns how many ports were opened.
func (o *Opener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ports)
}

// Enumerator returns a settable port list.
type Enumerator struct {
	mu    sync.Mutex
	ports []serialcomm.PortInfo
	err   error
}

// NewEnumerator returns an Enumerator listing ports.
func NewEnumerator(ports ...serialcomm.PortInfo) *Enumerator {
	return &Enumerator{ports: ports}
}

func (e *Enumerator) Ports() ([]serialcomm.PortInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return append([]serialcomm.PortInfo(nil), e.ports...), nil
}

// Set replaces the port list.
func (e *Enumerator) Set(ports ...serialcomm.PortInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ports = ports
}

// Fail makes Ports return err; nil restores it.
func (e *Enumerator) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// USBPort builds a USB PortInfo.
func USBPort(name string, id serialcomm.DeviceIdentity) serialcomm.PortInfo {
	return serialcomm.PortInfo{Name: name, IsUSB: true, Identity: id}
}
