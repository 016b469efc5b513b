package runner

import (
	"sync"

	"github.com/guseggert/coderunner/runner/packet"
)

// handleFunc handles one inbound packet and reports whether the expectation it belongs to is resolved.
type handleFunc func(p *packet.Packet) (done bool)

type expectation struct {
	token  uint64
	name   string
	handle handleFunc
}

// dispatcher is a single-slot mailbox for inbound packets.
// At most one expectation is installed at a time: installing one replaces whatever was there,
// and nothing is queued. A resolved expectation falls back to the default handler, unless it has
// already been replaced by a newer one.
type dispatcher struct {
	m        sync.Mutex
	next     uint64
	current  expectation
	fallback handleFunc
}

func newDispatcher(fallback handleFunc) *dispatcher {
	d := &dispatcher{fallback: fallback}
	d.current = expectation{name: "default", handle: fallback}
	return d
}

// expect installs h as the handler for every inbound packet until it resolves or is replaced.
func (d *dispatcher) expect(name string, h handleFunc) uint64 {
	d.m.Lock()
	defer d.m.Unlock()
	d.next++
	d.current = expectation{token: d.next, name: name, handle: h}
	return d.next
}

// cancel drops the expectation identified by token, if it is still installed.
func (d *dispatcher) cancel(token uint64) {
	d.m.Lock()
	defer d.m.Unlock()
	if d.current.token == token {
		d.current = expectation{name: "default", handle: d.fallback}
	}
}

// reset drops any installed expectation.
func (d *dispatcher) reset() {
	d.m.Lock()
	defer d.m.Unlock()
	d.current = expectation{name: "default", handle: d.fallback}
}

func (d *dispatcher) expecting() string {
	d.m.Lock()
	defer d.m.Unlock()
	return d.current.name
}

func (d *dispatcher) dispatch(p *packet.Packet) {
	d.m.Lock()
	e := d.current
	d.m.Unlock()

	if e.handle(p) && e.token != 0 {
		d.cancel(e.token)
	}
}
