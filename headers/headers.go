// Package headers implements the case-insensitive, order-preserving,
// multi-valued header container of spec §3. Keys are compared
// case-insensitively but the first-seen casing is kept for display,
// matching the teacher's practice of using http.Header (which folds
// case) only at the net/http boundary — our own model keeps the wire
// casing intact since a fingerprinting-aware client cannot afford
// Go's automatic canonicalization of header names.
package headers

import "strings"

// setCookieKey is compared case-insensitively against every added name
// to decide whether folding with ", " is permitted.
const setCookieKey = "set-cookie"

type entry struct {
	// display is the first-seen casing of this name.
	display string
	values  []string
}

// Headers is an ordered multi-map; Set-Cookie entries are never folded.
type Headers struct {
	order []string // lower-cased keys, first-seen order
	data  map[string]*entry
}

func New() *Headers { return &Headers{data: map[string]*entry{}} }

func lower(name string) string { return strings.ToLower(name) }

// Add appends value under name, preserving any existing values.
func (h *Headers) Add(name, value string) {
	if h.data == nil {
		h.data = map[string]*entry{}
	}
	k := lower(name)
	e, ok := h.data[k]
	if !ok {
		e = &entry{display: name}
		h.data[k] = e
		h.order = append(h.order, k)
	}
	e.values = append(e.values, value)
}

// Set replaces all existing values of name with a single value.
func (h *Headers) Set(name, value string) {
	h.PopAll(name)
	h.Add(name, value)
}

// SetDefault adds (name, value) only if name is not already present,
// and returns the (possibly pre-existing) first value.
func (h *Headers) SetDefault(name, value string) string {
	if v, ok := h.GetOne(name); ok {
		return v
	}
	h.Add(name, value)
	return value
}

// GetOne returns the first value for name, case-insensitively.
func (h *Headers) GetOne(name string) (string, bool) {
	e, ok := h.data[lower(name)]
	if !ok || len(e.values) == 0 {
		return "", false
	}
	return e.values[0], true
}

// GetAll returns every value for name, in insertion order.
func (h *Headers) GetAll(name string) []string {
	e, ok := h.data[lower(name)]
	if !ok {
		return nil
	}
	return append([]string(nil), e.values...)
}

// PopOne removes and returns the first value for name, if any.
func (h *Headers) PopOne(name string) (string, bool) {
	k := lower(name)
	e, ok := h.data[k]
	if !ok || len(e.values) == 0 {
		return "", false
	}
	v := e.values[0]
	e.values = e.values[1:]
	if len(e.values) == 0 {
		h.removeKey(k)
	}
	return v, true
}

// PopAll removes and returns every value for name, if any.
func (h *Headers) PopAll(name string) []string {
	k := lower(name)
	e, ok := h.data[k]
	if !ok {
		return nil
	}
	h.removeKey(k)
	return e.values
}

func (h *Headers) removeKey(k string) {
	delete(h.data, k)
	for i, existing := range h.order {
		if existing == k {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Has reports whether name has at least one value.
func (h *Headers) Has(name string) bool {
	_, ok := h.data[lower(name)]
	return ok
}

// Extend appends every (name, value) pair from other into h, preserving
// other's order and h's pre-existing entries.
func (h *Headers) Extend(other *Headers) {
	if other == nil {
		return
	}
	for _, item := range other.Items() {
		h.Add(item.Name, item.Value)
	}
}

// Item is a single (name, value) pair as returned by Items, with Name
// carrying the first-seen display casing.
type Item struct {
	Name  string
	Value string
}

// Items returns every (name, value) pair in the order names were first
// seen, and within a name in the order values were added.
func (h *Headers) Items() []Item {
	var out []Item
	for _, k := range h.order {
		e := h.data[k]
		for _, v := range e.values {
			out = append(out, Item{Name: e.display, Value: v})
		}
	}
	return out
}

// Names returns every distinct header name (first-seen display casing),
// in first-seen order.
func (h *Headers) Names() []string {
	var out []string
	for _, k := range h.order {
		out = append(out, h.data[k].display)
	}
	return out
}

// Clone returns a deep copy of h.
func (h *Headers) Clone() *Headers {
	n := New()
	for _, item := range h.Items() {
		n.Add(item.Name, item.Value)
	}
	return n
}

// Folded renders name's values as a single ", "-joined value for every
// name except Set-Cookie, whose values must stay as distinct header
// lines (spec §3). The h1 request serializer does not fold: it writes
// each value on its own line.
func (h *Headers) Folded(name string) ([]string, bool) {
	vs := h.GetAll(name)
	if len(vs) == 0 {
		return nil, false
	}
	if lower(name) == setCookieKey {
		return vs, true
	}
	return []string{strings.Join(vs, ", ")}, true
}
