// Package headers parses, rewrites and serializes HTTP/1.x header blocks under
// fixed size and time bounds.
package headers

import (
	"bytes"
	"strings"
)

type entry struct {
	name  string
	value string
}

// Set is an ordered multimap of header fields. Lookups ignore case; insertion
// order and duplicates are preserved so a block can be written back out the
// way it arrived.
type Set struct {
	entries []entry
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{}
}

// Len is the number of fields, counting duplicates.
func (s *Set) Len() int { return len(s.entries) }

// Add appends a field.
func (s *Set) Add(name, value string) {
	s.entries = append(s.entries, entry{name: name, value: value})
}

// Set replaces all values of name with value. The field keeps the position of
// its first occurrence, or is appended if absent.
func (s *Set) Set(name, value string) {
	for i := range s.entries {
		if strings.EqualFold(s.entries[i].name, name) {
			s.entries[i].value = value
			s.removeAfter(name, i+1)
			return
		}
	}
	s.Add(name, value)
}

func (s *Set) removeAfter(name string, start int) {
	out := s.entries[:start]
	for _, e := range s.entries[start:] {
		if !strings.EqualFold(e.name, name) {
			out = append(out, e)
		}
	}
	s.entries = out
}

// Remove deletes every field called name and reports how many were removed.
func (s *Set) Remove(name string) int {
	before := len(s.entries)
	s.removeAfter(name, 0)
	return before - len(s.entries)
}

// Get returns the first value of name, or "".
func (s *Set) Get(name string) string {
	for _, e := range s.entries {
		if strings.EqualFold(e.name, name) {
			return e.value
		}
	}
	return ""
}

// Has reports whether name is present at least once.
func (s *Set) Has(name string) bool {
	for _, e := range s.entries {
		if strings.EqualFold(e.name, name) {
			return true
		}
	}
	return false
}

// Values returns every value of name in order.
func (s *Set) Values(name string) []string {
	var vals []string
	for _, e := range s.entries {
		if strings.EqualFold(e.name, name) {
			vals = append(vals, e.value)
		}
	}
	return vals
}

// Filter drops the values of name for which keep returns false.
func (s *Set) Filter(name string, keep func(value string) bool) {
	out := s.entries[:0]
	for _, e := range s.entries {
		if strings.EqualFold(e.name, name) && !keep(e.value) {
			continue
		}
		out = append(out, e)
	}
	s.entries = out
}

// Each calls fn for every field in order.
func (s *Set) Each(fn func(name, value string)) {
	for _, e := range s.entries {
		fn(e.name, e.value)
	}
}

// Clone returns a deep copy.
func (s *Set) Clone() *Set {
	c := &Set{entries: make([]entry, len(s.entries))}
	copy(c.entries, s.entries)
	return c
}

// Format serializes a start line and header block, including the blank line
// that terminates it.
func Format(line string, s *Set) []byte {
	var buf bytes.Buffer
	buf.Grow(len(line) + 2 + s.Len()*32)
	buf.WriteString(line)
	buf.WriteString("\r\n")
	for _, e := range s.entries {
		buf.WriteString(e.name)
		buf.WriteString(": ")
		buf.WriteString(e.value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}
