package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ByteOrder identifies the bit packing order of a signal.
type ByteOrder string

const (
	LittleEndian ByteOrder = "little_endian"
	BigEndian    ByteOrder = "big_endian"
)

// Choice maps a raw signal value to a human-readable label.
type Choice struct {
	Value int64  `json:"value"`
	Name  string `json:"name"`
}

// Signal describes one bit-packed field inside a message.
type Signal struct {
	Name      string    `json:"name"`
	Start     int       `json:"start"`
	Length    int       `json:"length"`
	ByteOrder ByteOrder `json:"byte_order"`
	IsSigned  bool      `json:"is_signed"`
	Scale     float64   `json:"scale"`
	Offset    float64   `json:"offset"`
	Min       float64   `json:"minimum"`
	Max       float64   `json:"maximum"`
	Unit      string    `json:"unit,omitempty"`
	Choices   []Choice  `json:"choices,omitempty"`
	Comment   string    `json:"comment,omitempty"`
}

// HasRange reports whether the signal declares a usable [Min, Max] range.
func (s *Signal) HasRange() bool {
	return s.Max > s.Min
}

// ChoiceName returns the label for a raw value, if one is declared.
func (s *Signal) ChoiceName(raw int64) (string, bool) {
	for _, c := range s.Choices {
		if c.Value == raw {
			return c.Name, true
		}
	}
	return "", false
}

// RawMax returns the largest raw value the signal's bit length can hold.
func (s *Signal) RawMax() uint64 {
	if s.Length <= 0 {
		return 0
	}
	if s.Length >= 64 {
		return ^uint64(0)
	}
	if s.IsSigned {
		return (uint64(1) << (s.Length - 1)) - 1
	}
	return (uint64(1) << s.Length) - 1
}

// Message describes one CAN frame layout.
type Message struct {
	Name       string   `json:"name"`
	FrameID    uint32   `json:"frame_id"`
	IsExtended bool     `json:"is_extended"`
	Length     uint8    `json:"length"`
	Comment    string   `json:"comment,omitempty"`
	Signals    []Signal `json:"signals"`
}

// SignalByName returns the named signal of the message.
func (m *Message) SignalByName(name string) (*Signal, bool) {
	for i := range m.Signals {
		if m.Signals[i].Name == name {
			return &m.Signals[i], true
		}
	}
	return nil, false
}

// Schema is the immutable message/signal definition set. It is replaced
// wholesale on reload; lookups are safe for concurrent use.
type Schema struct {
	Name     string    `json:"name,omitempty"`
	Messages []Message `json:"messages"`

	byName map[string]*Message
	byID   map[uint32]*Message
}

// Load parses a schema document from raw bytes and builds its lookup tables.
func Load(content []byte) (*Schema, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("schema content is empty")
	}

	var s Schema
	if err := json.Unmarshal(content, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	if len(s.Messages) == 0 {
		return nil, fmt.Errorf("schema defines no messages")
	}

	s.byName = make(map[string]*Message, len(s.Messages))
	s.byID = make(map[uint32]*Message, len(s.Messages))
	for i := range s.Messages {
		msg := &s.Messages[i]
		if msg.Name == "" {
			return nil, fmt.Errorf("message %d has no name", i)
		}
		if msg.Length == 0 || msg.Length > 8 {
			return nil, fmt.Errorf("message %s: invalid length %d", msg.Name, msg.Length)
		}
		for j := range msg.Signals {
			sig := &msg.Signals[j]
			if sig.Scale == 0 {
				sig.Scale = 1
			}
			if sig.ByteOrder == "" {
				sig.ByteOrder = LittleEndian
			}
			if sig.Length <= 0 || sig.Start < 0 || sig.Start >= int(msg.Length)*8 {
				return nil, fmt.Errorf("message %s: signal %s has invalid bit layout", msg.Name, sig.Name)
			}
			if sig.ByteOrder == LittleEndian && sig.Start+sig.Length > int(msg.Length)*8 {
				return nil, fmt.Errorf("message %s: signal %s exceeds frame length", msg.Name, sig.Name)
			}
		}
		if _, dup := s.byName[msg.Name]; dup {
			return nil, fmt.Errorf("duplicate message name %s", msg.Name)
		}
		if other, dup := s.byID[msg.FrameID]; dup {
			return nil, fmt.Errorf("messages %s and %s share frame id 0x%X", other.Name, msg.Name, msg.FrameID)
		}
		s.byName[msg.Name] = msg
		s.byID[msg.FrameID] = msg
	}

	return &s, nil
}

// MessageByName returns the message with the given name.
func (s *Schema) MessageByName(name string) (*Message, bool) {
	m, ok := s.byName[name]
	return m, ok
}

// MessageByFrameID returns the message declared for the given frame id.
func (s *Schema) MessageByFrameID(id uint32) (*Message, bool) {
	m, ok := s.byID[id]
	return m, ok
}

// MessageNames returns all message names in sorted order.
func (s *Schema) MessageNames() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store holds the active schema and allows atomic replacement on reload.
type Store struct {
	mu     sync.RWMutex
	active *Schema
}

// NewStore creates an empty schema store.
func NewStore() *Store {
	return &Store{}
}

// Replace installs a new active schema.
func (st *Store) Replace(s *Schema) {
	st.mu.Lock()
	st.active = s
	st.mu.Unlock()
}

// Active returns the current schema, or false when none is loaded.
func (st *Store) Active() (*Schema, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.active == nil {
		return nil, false
	}
	return st.active, true
}
