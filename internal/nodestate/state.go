// Package nodestate holds a CBUS node's persistent data: node number,
// parameter block, node variables and the taught event table.
//
// A State is owned by one goroutine (the protocol engine) and is not safe
// for concurrent use. Every mutation rewrites the whole record. When the
// write fails the mutation is kept in memory and the error wraps ErrPersist.
package nodestate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kstaniek/go-cbus-node/internal/cbus"
	"github.com/kstaniek/go-cbus-node/internal/storage"
)

var (
	ErrIndexOutOfRange = errors.New("nodestate: index out of range")
	ErrUnknownEvent    = errors.New("nodestate: unknown event")
	ErrTooManyEvents   = errors.New("nodestate: event table full")
	ErrPersist         = errors.New("nodestate: persist failed")
)

// DefaultKey is the storage key used by the node process.
const DefaultKey = "node.json"

// Bytes marshals as a JSON array of numbers rather than base64.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return json.Marshal(out)
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var in []int
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*b = make(Bytes, len(in))
	for i, v := range in {
		if v < 0 || v > 255 {
			return fmt.Errorf("nodestate: byte value %d out of range", v)
		}
		(*b)[i] = byte(v)
	}
	return nil
}

// Event is one taught event. Variables[0] is unused so that event variable
// indices are 1-based.
type Event struct {
	ID        string `json:"id"`
	Variables Bytes  `json:"variables"`
}

func (e Event) clone() Event {
	return Event{ID: e.ID, Variables: append(Bytes(nil), e.Variables...)}
}

// record is the persisted layout.
type record struct {
	NodeID            uint16  `json:"nodeId"`
	Parameters        Bytes   `json:"parameters"`
	Variables         Bytes   `json:"variables"`
	Events            []Event `json:"events"`
	ManufacturerID    byte    `json:"manufId"`
	CPUManufacturerID byte    `json:"cpuManufId"`
	ModuleID          byte    `json:"moduleId"`
	Name              string  `json:"name"`
	MajorVersion      byte    `json:"majorVersion"`
	MinorVersion      string  `json:"minorVersion"`
	Beta              byte    `json:"beta"`
	MaxEvents         int     `json:"numEvents"`
	EventVariables    int     `json:"numEventVariables"`
	NodeVariables     int     `json:"numNodeVariables"`
	Consumer          bool    `json:"consumer"`
	Producer          bool    `json:"producer"`
	FLiM              bool    `json:"flim"`
	Bootloader        bool    `json:"bootloader"`
	ConsumeOwnEvents  bool    `json:"coe"`
}

type State struct {
	kv    storage.Store
	key   string
	rec   record
	index map[string]int // event id -> position in rec.Events
}

// Load reads the state stored under key. When nothing is stored a fresh
// state is built from cfg (node number 0) and written immediately; a
// failure of that first write is returned wrapped in ErrPersist alongside
// the usable state.
func Load(kv storage.Store, key string, cfg Config) (*State, error) {
	cfg.applyDefaults()
	s := &State{kv: kv, key: key}
	b, err := kv.Load(key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.rec = fresh(cfg)
		s.reindex()
		return s, s.persist()
	case err != nil:
		return nil, fmt.Errorf("nodestate: load %s: %w", key, err)
	}
	if err := json.Unmarshal(b, &s.rec); err != nil {
		return nil, fmt.Errorf("nodestate: decode %s: %w", key, err)
	}
	s.normalize()
	s.reindex()
	return s, nil
}

func fresh(cfg Config) record {
	r := record{
		ManufacturerID:    cfg.ManufacturerID,
		CPUManufacturerID: cfg.CPUManufacturerID,
		ModuleID:          cfg.ModuleID,
		Name:              cfg.Name,
		MajorVersion:      cfg.MajorVersion,
		MinorVersion:      string(rune(cfg.MinorVersion)),
		Beta:              cfg.Beta,
		MaxEvents:         cfg.MaxEvents,
		EventVariables:    cfg.EventVariables,
		NodeVariables:     cfg.NodeVariables,
		Consumer:          cfg.Consumer,
		Producer:          cfg.Producer,
		FLiM:              cfg.FLiM,
		Bootloader:        cfg.Bootloader,
		ConsumeOwnEvents:  cfg.ConsumeOwnEvents,
		Variables:         make(Bytes, cfg.NodeVariables+1),
		Events:            []Event{},
	}
	p := make(Bytes, NumParameters+1)
	p[ParamCount] = NumParameters
	p[ParamManufacturer] = cfg.ManufacturerID
	p[ParamMinorVersion] = cfg.MinorVersion
	p[ParamModuleID] = cfg.ModuleID
	p[ParamMaxEvents] = byte(cfg.MaxEvents)
	p[ParamEventVariables] = byte(cfg.EventVariables)
	p[ParamNodeVariables] = byte(cfg.NodeVariables)
	p[ParamMajorVersion] = cfg.MajorVersion
	p[ParamInterface] = cfg.Interface
	p[ParamCPUManufacturer] = cfg.CPUManufacturerID
	p[ParamBeta] = cfg.Beta
	r.Parameters = p
	r.Parameters[ParamFlags] = flags(&r, false)
	return r
}

// normalize pads arrays in a record written by an older configuration.
func (s *State) normalize() {
	r := &s.rec
	if r.MaxEvents <= 0 || r.MaxEvents > DefaultMaxEvents {
		r.MaxEvents = DefaultMaxEvents
	}
	if len(r.Parameters) < NumParameters+1 {
		r.Parameters = append(r.Parameters, make(Bytes, NumParameters+1-len(r.Parameters))...)
	}
	if len(r.Variables) < r.NodeVariables+1 {
		r.Variables = append(r.Variables, make(Bytes, r.NodeVariables+1-len(r.Variables))...)
	}
	for i := range r.Events {
		ev := &r.Events[i]
		if len(ev.Variables) < r.EventVariables+1 {
			ev.Variables = append(ev.Variables, make(Bytes, r.EventVariables+1-len(ev.Variables))...)
		}
	}
}

func (s *State) reindex() {
	s.index = make(map[string]int, len(s.rec.Events))
	for i, ev := range s.rec.Events {
		s.index[ev.ID] = i
	}
}

func (s *State) persist() error {
	b, err := json.Marshal(&s.rec)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersist, err)
	}
	if err := s.kv.Save(s.key, b); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

func flags(r *record, learn bool) byte {
	var f byte
	if r.Consumer {
		f |= FlagConsumer
	}
	if r.Producer {
		f |= FlagProducer
	}
	if r.FLiM {
		f |= FlagFLiM
	}
	if r.Bootloader {
		f |= FlagBootloader
	}
	if r.ConsumeOwnEvents {
		f |= FlagCOE
	}
	if learn {
		f |= FlagLearn
	}
	return f
}

// Flags encodes the capability flags; learn is the engine's transient mode.
func (s *State) Flags(learn bool) byte { return flags(&s.rec, learn) }

func (s *State) NodeID() uint16 { return s.rec.NodeID }
func (s *State) ManufacturerID() byte { return s.rec.ManufacturerID }
func (s *State) ModuleID() byte { return s.rec.ModuleID }
func (s *State) Name() string { return s.rec.Name }
func (s *State) ConsumeOwnEvents() bool { return s.rec.ConsumeOwnEvents }
func (s *State) NodeVariableCount() int { return s.rec.NodeVariables }
func (s *State) EventVariableCount() int { return s.rec.EventVariables }
func (s *State) MaxEvents() int { return s.rec.MaxEvents }
func (s *State) EventCount() int { return len(s.rec.Events) }
func (s *State) ParameterCount() int { return len(s.rec.Parameters) - 1 }

// SetNodeID commits a node number.
func (s *State) SetNodeID(nn uint16) error {
	s.rec.NodeID = nn
	return s.persist()
}

// Parameter returns parameter i; index 0 is the parameter count.
func (s *State) Parameter(i int) (byte, error) {
	if i < 0 || i >= len(s.rec.Parameters) {
		return 0, fmt.Errorf("%w: parameter %d", ErrIndexOutOfRange, i)
	}
	return s.rec.Parameters[i], nil
}

func (s *State) SetParameter(i int, v byte) error {
	if i <= 0 || i >= len(s.rec.Parameters) {
		return fmt.Errorf("%w: parameter %d", ErrIndexOutOfRange, i)
	}
	s.rec.Parameters[i] = v
	return s.persist()
}

// NodeVariable returns variable i, 1 <= i <= NodeVariableCount.
func (s *State) NodeVariable(i int) (byte, error) {
	if i < 1 || i > s.rec.NodeVariables {
		return 0, fmt.Errorf("%w: node variable %d", ErrIndexOutOfRange, i)
	}
	return s.rec.Variables[i], nil
}

func (s *State) SetNodeVariable(i int, v byte) error {
	if i < 1 || i > s.rec.NodeVariables {
		return fmt.Errorf("%w: node variable %d", ErrIndexOutOfRange, i)
	}
	s.rec.Variables[i] = v
	return s.persist()
}

// Event looks up a taught event by its NNNNEEEE identifier (either case).
func (s *State) Event(id string) (Event, bool) {
	id, err := cbus.NormalizeEventIdentifier(id)
	if err != nil {
		return Event{}, false
	}
	i, ok := s.index[id]
	if !ok {
		return Event{}, false
	}
	return s.rec.Events[i].clone(), true
}

// EventAt returns the event at 1-based position n in teaching order.
func (s *State) EventAt(n int) (Event, bool) {
	if n < 1 || n > len(s.rec.Events) {
		return Event{}, false
	}
	return s.rec.Events[n-1].clone(), true
}

// Events returns a copy of the table in teaching order.
func (s *State) Events() []Event {
	out := make([]Event, len(s.rec.Events))
	for i, ev := range s.rec.Events {
		out[i] = ev.clone()
	}
	return out
}

// EventVariable reads variable ev of the event at position n (both 1-based).
func (s *State) EventVariable(n, ev int) (byte, error) {
	if n < 1 || n > len(s.rec.Events) {
		return 0, fmt.Errorf("%w: event %d", ErrUnknownEvent, n)
	}
	if ev < 1 || ev > s.rec.EventVariables {
		return 0, fmt.Errorf("%w: event variable %d", ErrIndexOutOfRange, ev)
	}
	return s.rec.Events[n-1].Variables[ev], nil
}

// TeachEvent sets variable ev of event id, creating an all-zero record for
// an unseen id. Teaching the same value twice leaves the state unchanged.
// Mode gating is the caller's job.
func (s *State) TeachEvent(id string, ev int, v byte) error {
	id, err := cbus.NormalizeEventIdentifier(id)
	if err != nil {
		return fmt.Errorf("nodestate: %w", err)
	}
	if ev < 1 || ev > s.rec.EventVariables {
		return fmt.Errorf("%w: event variable %d", ErrIndexOutOfRange, ev)
	}
	i, ok := s.index[id]
	if !ok {
		if len(s.rec.Events) >= s.rec.MaxEvents {
			return fmt.Errorf("%w: %d events", ErrTooManyEvents, len(s.rec.Events))
		}
		s.rec.Events = append(s.rec.Events, Event{ID: id, Variables: make(Bytes, s.rec.EventVariables+1)})
		i = len(s.rec.Events) - 1
		s.index[id] = i
	}
	s.rec.Events[i].Variables[ev] = v
	return s.persist()
}

// RemoveEvent deletes event id; later events move up one position.
func (s *State) RemoveEvent(id string) error {
	nid, err := cbus.NormalizeEventIdentifier(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, id)
	}
	i, ok := s.index[nid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, nid)
	}
	s.rec.Events = append(s.rec.Events[:i], s.rec.Events[i+1:]...)
	s.reindex()
	return s.persist()
}
