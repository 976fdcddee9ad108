package engine

import (
	"errors"

	"github.com/kstaniek/go-cbus-node/internal/cbus"
	"github.com/kstaniek/go-cbus-node/internal/metrics"
	"github.com/kstaniek/go-cbus-node/internal/nodestate"
)

// handlers is the opcode dispatch table. Every handler runs with e.mu held.
var handlers = map[cbus.Opcode]func(*Engine, cbus.Frame){
	cbus.OpQNN:   (*Engine).queryNode,
	cbus.OpRQNP:  (*Engine).requestParams,
	cbus.OpSNN:   (*Engine).setNodeNumber,
	cbus.OpNNLRN: (*Engine).enterLearn,
	cbus.OpNNULN: (*Engine).exitLearn,
	cbus.OpNERD:  (*Engine).readEvents,
	cbus.OpRQEVN: (*Engine).countEvents,
	cbus.OpNVRD:  (*Engine).readNodeVariable,
	cbus.OpRQNPN: (*Engine).readParameter,
	cbus.OpACON:  (*Engine).accessoryOn,
	cbus.OpACOF:  (*Engine).accessoryOff,
	cbus.OpEVULN: (*Engine).unlearnEvent,
	cbus.OpNVSET: (*Engine).writeNodeVariable,
	cbus.OpASON:  (*Engine).shortOn,
	cbus.OpASOF:  (*Engine).shortOff,
	cbus.OpREVAL: (*Engine).readEventVariable,
	cbus.OpEVLRN: (*Engine).learnEvent,
}

func (e *Engine) forUs(f cbus.Frame) bool { return f.NodeNumber() == e.st.NodeID() }

func (e *Engine) queryNode(cbus.Frame) {
	e.reply(cbus.OpPNN, e.st.ManufacturerID(), e.st.ModuleID(), e.st.Flags(e.learning()))
}

func (e *Engine) requestParams(cbus.Frame) {
	if !e.learning() {
		return
	}
	var p [7]byte
	for i := range p {
		p[i], _ = e.st.Parameter(i + 1)
	}
	e.send(cbus.OpPARAMS, p[:]...)
}

func (e *Engine) setNodeNumber(f cbus.Frame) {
	if !e.learning() {
		return
	}
	nn := f.NodeNumber()
	e.persisted(e.st.SetNodeID(nn))
	metrics.SetNodeNumber(nn)
	e.log.Info("node_number_set", "node", nn)
	e.reply(cbus.OpNNACK)
	e.setMode(ModeNormal)
}

func (e *Engine) enterLearn(f cbus.Frame) {
	if e.forUs(f) {
		e.setMode(ModeLearn)
	}
}

func (e *Engine) exitLearn(f cbus.Frame) {
	if e.forUs(f) {
		e.setMode(ModeNormal)
	}
}

func (e *Engine) readEvents(f cbus.Frame) {
	if !e.forUs(f) {
		return
	}
	for i, ev := range e.st.Events() {
		nn, en, err := cbus.ParseEventIdentifier(ev.ID)
		if err != nil {
			continue
		}
		e.reply(cbus.OpENRSP, byte(nn>>8), byte(nn), byte(en>>8), byte(en), byte(i+1))
	}
}

func (e *Engine) countEvents(f cbus.Frame) {
	if e.forUs(f) {
		e.reply(cbus.OpNUMEV, byte(e.st.EventCount()))
	}
}

// readNodeVariable answers NVRD; index 0 reports the reserved slot 0
// (always zero) followed by every variable.
func (e *Engine) readNodeVariable(f cbus.Frame) {
	if !e.forUs(f) {
		return
	}
	idx := int(f.Arg(2))
	if idx == 0 {
		for i := 0; i <= e.st.NodeVariableCount(); i++ {
			v, _ := e.st.NodeVariable(i)
			e.reply(cbus.OpNVANS, byte(i), v)
		}
		return
	}
	v, err := e.st.NodeVariable(idx)
	if err != nil {
		e.cmdErr(cbus.ErrCodeInvalidNVIndex)
		return
	}
	e.reply(cbus.OpNVANS, byte(idx), v)
}

// readParameter answers RQNPN; index 0 reports the count and every parameter.
func (e *Engine) readParameter(f cbus.Frame) {
	if !e.forUs(f) {
		return
	}
	idx := int(f.Arg(2))
	if idx == 0 {
		for i := 0; i <= e.st.ParameterCount(); i++ {
			v, _ := e.st.Parameter(i)
			e.reply(cbus.OpPARAN, byte(i), v)
		}
		return
	}
	v, err := e.st.Parameter(idx)
	if err != nil {
		e.cmdErr(cbus.ErrCodeInvalidParam)
		return
	}
	e.reply(cbus.OpPARAN, byte(idx), v)
}

func (e *Engine) accessoryOn(f cbus.Frame)  { e.accessory("on", f.EventIdentifier()) }
func (e *Engine) accessoryOff(f cbus.Frame) { e.accessory("off", f.EventIdentifier()) }

// Short events match on device number; the sender's node number is ignored.
func (e *Engine) shortOn(f cbus.Frame)  { e.accessory("on", cbus.EventIdentifier(0, f.EventNumber())) }
func (e *Engine) shortOff(f cbus.Frame) { e.accessory("off", cbus.EventIdentifier(0, f.EventNumber())) }

func (e *Engine) accessory(task, id string) {
	ev, ok := e.st.Event(id)
	if !ok {
		e.log.Debug("event_unknown", "event", id, "task", task)
		return
	}
	e.pending = append(e.pending, AccessoryEvent{Task: task, EventID: ev.ID, Variables: ev.Variables})
}

func (e *Engine) unlearnEvent(f cbus.Frame) {
	if !e.learning() {
		return
	}
	id := f.EventIdentifier()
	err := e.st.RemoveEvent(id)
	if errors.Is(err, nodestate.ErrUnknownEvent) {
		e.cmdErr(cbus.ErrCodeInvalidEvent)
		return
	}
	e.persisted(err)
	metrics.SetStoredEvents(e.st.EventCount())
	e.log.Info("event_removed", "event", id)
	e.reply(cbus.OpWRACK)
}

func (e *Engine) writeNodeVariable(f cbus.Frame) {
	if !e.forUs(f) {
		return
	}
	err := e.st.SetNodeVariable(int(f.Arg(2)), f.Arg(3))
	if errors.Is(err, nodestate.ErrIndexOutOfRange) {
		e.cmdErr(cbus.ErrCodeInvalidNVIndex)
		return
	}
	e.persisted(err)
	e.reply(cbus.OpWRACK)
}

// readEventVariable answers REVAL; EV index 0 reports the reserved slot 0
// and then every variable of the event.
func (e *Engine) readEventVariable(f cbus.Frame) {
	if !e.forUs(f) {
		return
	}
	en, ev := int(f.Arg(2)), int(f.Arg(3))
	if _, ok := e.st.EventAt(en); !ok {
		e.cmdErr(cbus.ErrCodeInvalidEvent)
		return
	}
	if ev == 0 {
		for i := 0; i <= e.st.EventVariableCount(); i++ {
			v, _ := e.st.EventVariable(en, i)
			e.reply(cbus.OpNEVAL, byte(en), byte(i), v)
		}
		return
	}
	v, err := e.st.EventVariable(en, ev)
	if err != nil {
		e.cmdErr(cbus.ErrCodeInvalidEVIndex)
		return
	}
	e.reply(cbus.OpNEVAL, byte(en), byte(ev), v)
}

func (e *Engine) learnEvent(f cbus.Frame) {
	if !e.learning() {
		return
	}
	id := f.EventIdentifier()
	err := e.st.TeachEvent(id, int(f.Arg(4)), f.Arg(5))
	switch {
	case errors.Is(err, nodestate.ErrIndexOutOfRange):
		e.cmdErr(cbus.ErrCodeInvalidEVIndex)
		return
	case errors.Is(err, nodestate.ErrTooManyEvents):
		e.cmdErr(cbus.ErrCodeTooManyEvents)
		return
	}
	e.persisted(err)
	metrics.SetStoredEvents(e.st.EventCount())
	e.log.Info("event_taught", "event", id, "ev", f.Arg(4), "value", f.Arg(5))
	e.reply(cbus.OpWRACK)
}
