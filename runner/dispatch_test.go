package runner

import (
	"testing"

	"github.com/guseggert/coderunner/runner/packet"
	"github.com/stretchr/testify/assert"
)

func TestDispatcherSingleSlot(t *testing.T) {
	var got []string
	record := func(name string, done bool) handleFunc {
		return func(p *packet.Packet) bool {
			got = append(got, name+":"+string(p.Type))
			return done
		}
	}
	d := newDispatcher(record("default", true))
	open := &packet.Packet{Type: packet.TypeProcessOpenResult}

	d.dispatch(open)
	assert.Equal(t, "default", d.expecting())

	d.expect("first", record("first", false))
	d.expect("second", record("second", false))
	d.dispatch(open)
	d.dispatch(open)
	assert.Equal(t, "second", d.expecting())

	assert.Equal(t, []string{
		"default:ProcessOpenResult",
		"second:ProcessOpenResult",
		"second:ProcessOpenResult",
	}, got)
}

func TestDispatcherResolvedFallsBack(t *testing.T) {
	calls := 0
	d := newDispatcher(func(*packet.Packet) bool { return true })
	d.expect("once", func(*packet.Packet) bool {
		calls++
		return true
	})

	d.dispatch(&packet.Packet{Type: packet.TypeProcessEvent})
	d.dispatch(&packet.Packet{Type: packet.TypeProcessEvent})
	assert.Equal(t, 1, calls)
	assert.Equal(t, "default", d.expecting())
}

func TestDispatcherResolveKeepsNewerExpectation(t *testing.T) {
	d := newDispatcher(func(*packet.Packet) bool { return true })

	var newer uint64
	d.expect("old", func(*packet.Packet) bool {
		// a newer operation installs its handler while this one is resolving
		newer = d.expect("new", func(*packet.Packet) bool { return false })
		return true
	})
	d.dispatch(&packet.Packet{Type: packet.TypeProcessEvent})
	assert.Equal(t, "new", d.expecting())

	d.cancel(newer - 1)
	assert.Equal(t, "new", d.expecting())
	d.cancel(newer)
	assert.Equal(t, "default", d.expecting())
}
