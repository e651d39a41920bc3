// Package conf implements the typed per-session configuration store.
//
// Values are addressed by (scope, subject, name). Scope says whether a value
// applies to the whole session, to a node, or to a (node, interface) pair.
// Each configurable area (session options, WLAN range model, mobility
// scripts, service overrides, radio models) declares a Schema; setters
// validate against it.
package conf

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Type enumerates config value types. Wire numbering is fixed.
type Type int

const (
	TypeNone   Type = 0
	TypeUint8  Type = 1
	TypeUint16 Type = 2
	TypeUint32 Type = 3
	TypeUint64 Type = 4
	TypeInt8   Type = 5
	TypeInt16  Type = 6
	TypeInt32  Type = 7
	TypeInt64  Type = 8
	TypeFloat  Type = 9
	TypeString Type = 10
	TypeBool   Type = 11
)

// String returns the lowercase type name.
func (t Type) String() string {
	switch t {
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		return "uint"
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	default:
		return "none"
	}
}

// Value is a tagged union holding one configuration value.
type Value struct {
	Type Type
	I    int64
	U    uint64
	F    float64
	S    string
	B    bool
}

// Bool / Int / Uint / Float / String construct Values of the matching type.
func Bool(b bool) Value     { return Value{Type: TypeBool, B: b} }
func Int(i int64) Value     { return Value{Type: TypeInt64, I: i} }
func Uint(u uint64) Value   { return Value{Type: TypeUint64, U: u} }
func Float(f float64) Value { return Value{Type: TypeFloat, F: f} }
func String(s string) Value { return Value{Type: TypeString, S: s} }

// AsString renders the value for serialization.
func (v Value) AsString() string {
	switch v.Type {
	case TypeBool:
		return strconv.FormatBool(v.B)
	case TypeFloat:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case TypeString:
		return v.S
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		return strconv.FormatUint(v.U, 10)
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return strconv.FormatInt(v.I, 10)
	default:
		return ""
	}
}

// AsInt returns the value as an int64, converting numeric kinds.
func (v Value) AsInt() int64 {
	switch v.Type {
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		return int64(v.U)
	case TypeFloat:
		return int64(v.F)
	case TypeBool:
		if v.B {
			return 1
		}
		return 0
	default:
		return v.I
	}
}

// AsFloat returns the value as a float64, converting numeric kinds.
func (v Value) AsFloat() float64 {
	switch v.Type {
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		return float64(v.U)
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return float64(v.I)
	case TypeBool:
		if v.B {
			return 1
		}
		return 0
	default:
		return v.F
	}
}

// Parse converts a string rendering back into a Value of type t.
func Parse(t Type, s string) (Value, error) {
	switch t {
	case TypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, fmt.Errorf("conf: parse bool %q: %w", s, err)
		}
		return Bool(b), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("conf: parse float %q: %w", s, err)
		}
		return Float(f), nil
	case TypeString:
		return String(s), nil
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("conf: parse uint %q: %w", s, err)
		}
		return Value{Type: t, U: u}, nil
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("conf: parse int %q: %w", s, err)
		}
		return Value{Type: t, I: i}, nil
	default:
		return Value{}, fmt.Errorf("conf: cannot parse type %d", t)
	}
}

// Option declares one schema entry.
type Option struct {
	Name    string
	Type    Type
	Default Value
	// Min/Max bound numeric options when MinMax is true.
	MinMax bool
	Min    float64
	Max    float64
}

// Schema declares the option set for one configurable subject kind.
type Schema struct {
	Name    string
	Options []Option
}

// Lookup returns the option declaration by name.
func (s *Schema) Lookup(name string) (Option, bool) {
	for _, o := range s.Options {
		if o.Name == name {
			return o, true
		}
	}
	return Option{}, false
}

// Defaults returns name → default value for every declared option.
func (s *Schema) Defaults() map[string]Value {
	out := make(map[string]Value, len(s.Options))
	for _, o := range s.Options {
		out[o.Name] = o.Default
	}
	return out
}

// Validate checks a value against the declared option.
func (o Option) Validate(v Value) error {
	if o.Type != v.Type && !numericCompatible(o.Type, v.Type) {
		return fmt.Errorf("conf: option %s wants %s, got %s", o.Name, o.Type, v.Type)
	}
	if o.MinMax {
		f := v.AsFloat()
		if f < o.Min || f > o.Max {
			return fmt.Errorf("conf: option %s value %g outside [%g, %g]",
				o.Name, f, o.Min, o.Max)
		}
	}
	return nil
}

func numericCompatible(a, b Type) bool {
	num := func(t Type) bool {
		switch t {
		case TypeUint8, TypeUint16, TypeUint32, TypeUint64,
			TypeInt8, TypeInt16, TypeInt32, TypeInt64, TypeFloat:
			return true
		}
		return false
	}
	return num(a) && num(b)
}

// Scope says what a configuration value applies to.
type Scope int

const (
	ScopeSession Scope = iota
	ScopeNode
	ScopeInterface
)

// Key addresses one value in the store.
type Key struct {
	Scope   Scope
	Node    int // 0 unless ScopeNode/ScopeInterface
	Iface   int // 0 unless ScopeInterface
	Subject string
	Name    string
}

// Store holds a session's configuration values with schema validation.
type Store struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	values  map[Key]Value
}

// NewStore creates an empty store with the given schemas registered.
func NewStore(schemas ...*Schema) *Store {
	s := &Store{
		schemas: make(map[string]*Schema),
		values:  make(map[Key]Value),
	}
	for _, sc := range schemas {
		s.schemas[sc.Name] = sc
	}
	return s
}

// RegisterSchema adds a schema after construction.
func (s *Store) RegisterSchema(sc *Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[sc.Name] = sc
}

// Schema returns a registered schema by subject name.
func (s *Store) Schema(subject string) (*Schema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schemas[subject]
	return sc, ok
}

// Set validates v against the subject's schema (when one is registered) and
// stores it. Unknown subjects are stored unvalidated so user-defined areas
// (service overrides, free-form metadata) pass through.
func (s *Store) Set(k Key, v Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.schemas[k.Subject]; ok {
		if opt, ok := sc.Lookup(k.Name); ok {
			if err := opt.Validate(v); err != nil {
				return err
			}
		}
	}
	s.values[k] = v
	return nil
}

// Get returns the stored value, falling back to the schema default.
func (s *Store) Get(k Key) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[k]; ok {
		return v, true
	}
	if sc, ok := s.schemas[k.Subject]; ok {
		if opt, ok := sc.Lookup(k.Name); ok {
			return opt.Default, true
		}
	}
	return Value{}, false
}

// Subject returns all values for (scope, node, iface, subject), merged over
// the schema defaults.
func (s *Store) Subject(k Key) map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Value)
	if sc, ok := s.schemas[k.Subject]; ok {
		for _, o := range sc.Options {
			out[o.Name] = o.Default
		}
	}
	for key, v := range s.values {
		if key.Scope == k.Scope && key.Node == k.Node &&
			key.Iface == k.Iface && key.Subject == k.Subject {
			out[key.Name] = v
		}
	}
	return out
}

// DeleteNode removes every value scoped to the given node id.
func (s *Store) DeleteNode(nodeID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.values {
		if k.Node == nodeID && k.Scope != ScopeSession {
			delete(s.values, k)
		}
	}
}

// Keys returns every stored key, sorted for deterministic serialization.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]Key, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		if a.Node != b.Node {
			return a.Node < b.Node
		}
		if a.Iface != b.Iface {
			return a.Iface < b.Iface
		}
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		return a.Name < b.Name
	})
	return keys
}
