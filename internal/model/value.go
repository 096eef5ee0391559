// Package model defines the in-memory rule AST: sensor keys, the tagged
// Value union, samples, rules, conditions, actions, and fallback specs
// described in spec §3. Rules are immutable once loaded; nothing in this
// package mutates a Rule after construction.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Kind tags a Value's payload.
type Kind int

const (
	KindAbsent Kind = iota
	KindNumber
	KindBool
	KindString
)

// Value is a tagged union over {Number, Boolean, String, Absent}. Absent is
// first-class: it is never confused with a zero number or empty string.
type Value struct {
	kind Kind
	num  float64
	b    bool
	str  string
}

var AbsentValue = Value{kind: KindAbsent}

func Number(f float64) Value  { return Value{kind: KindNumber, num: f} }
func Bool(b bool) Value       { return Value{kind: KindBool, b: b} }
func String(s string) Value   { return Value{kind: KindString, str: s} }

func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsAbsent() bool  { return v.kind == KindAbsent }
func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// Equal reports whether two values carry the same kind and payload.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindAbsent:
		return true
	case KindNumber:
		return v.num == other.num
	case KindBool:
		return v.b == other.b
	case KindString:
		return v.str == other.str
	}
	return false
}

// String renders the value for logging and string-template substitution.
// Per spec §4.3/§9, Absent renders as the literal token "null" in templates;
// Value.String is used both for that purpose and for diagnostics.
func (v Value) String() string {
	switch v.kind {
	case KindAbsent:
		return "null"
	case KindNumber:
		return fmt.Sprintf("%g", v.num)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindString:
		return v.str
	}
	return "null"
}

// Key is a namespaced sensor identifier. The prefix governs read/write
// permission: rules may write only output: and buffer:.
type Key string

const (
	PrefixInput  = "input:"
	PrefixOutput = "output:"
	PrefixBuffer = "buffer:"
)

func (k Key) IsInput() bool  { return strings.HasPrefix(string(k), PrefixInput) }
func (k Key) IsOutput() bool { return strings.HasPrefix(string(k), PrefixOutput) }
func (k Key) IsBuffer() bool { return strings.HasPrefix(string(k), PrefixBuffer) }

// Sample is a timestamped observation of one sensor: a value plus both a
// monotonic timestamp (for window arithmetic) and a wall-clock timestamp
// (for reporting).
type Sample struct {
	Value     Value
	Monotonic time.Duration // elapsed time since an orchestrator-local epoch
	Wall      time.Time
}
