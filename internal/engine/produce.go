package engine

import (
	"github.com/kstaniek/go-cbus-node/internal/cbus"
)

// ACON sends a long accessory-on event from this node. A matching entry in
// the local event table also fires the application callback, whether or
// not the node is configured to consume its own events.
func (e *Engine) ACON(en uint16) { e.produce(cbus.OpACON, en, "on", true) }

// ACOF is ACON for accessory off.
func (e *Engine) ACOF(en uint16) { e.produce(cbus.OpACOF, en, "off", true) }

// ASON sends a short accessory-on event for device number dn.
func (e *Engine) ASON(dn uint16) { e.produce(cbus.OpASON, dn, "on", false) }

// ASOF sends a short accessory-off event for device number dn.
func (e *Engine) ASOF(dn uint16) { e.produce(cbus.OpASOF, dn, "off", false) }

func (e *Engine) produce(op cbus.Opcode, en uint16, task string, replay bool) {
	e.mu.Lock()
	e.reply(op, byte(en>>8), byte(en))
	if replay {
		e.accessory(task, cbus.EventIdentifier(e.st.NodeID(), en))
	}
	fire := e.pending
	e.pending = nil
	e.mu.Unlock()
	e.deliver(fire)
}

// RequestNodeNumber enters learn mode and asks the configuration tool for a
// node number (RQNN). Called at start-up by unconfigured nodes.
func (e *Engine) RequestNodeNumber() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setMode(ModeLearn)
	e.reply(cbus.OpRQNN)
}

// QueryNode sends the node's PNN presence message unprompted.
func (e *Engine) QueryNode() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queryNode(cbus.Frame{})
}
