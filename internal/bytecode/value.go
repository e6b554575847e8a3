// Package bytecode implements the AOTT bytecode and value model (C1): an
// immutable instruction stream, a constant pool, and the tagged Value union
// every tier compiles against.
package bytecode

import "fmt"

// Tag identifies the runtime representation of a Value. Tiers use Tag to
// drive type guards (§4.8) without reflecting on the Go type.
type Tag uint8

const (
	TagInteger Tag = iota
	TagFloat
	TagBoolean
	TagString
	TagNull
	TagList
	TagDictionary
	TagSet
	TagTuple
	TagObject
	TagReference
	TagWeakReference
	TagNativeFunction
	TagClosure
)

func (t Tag) String() string {
	switch t {
	case TagInteger:
		return "Integer"
	case TagFloat:
		return "Float"
	case TagBoolean:
		return "Boolean"
	case TagString:
		return "String"
	case TagNull:
		return "Null"
	case TagList:
		return "List"
	case TagDictionary:
		return "Dictionary"
	case TagSet:
		return "Set"
	case TagTuple:
		return "Tuple"
	case TagObject:
		return "Object"
	case TagReference:
		return "Reference"
	case TagWeakReference:
		return "WeakReference"
	case TagNativeFunction:
		return "NativeFunction"
	case TagClosure:
		return "Closure"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// ClassRef identifies an Object's class in the (external) symbol table.
type ClassRef uint32

// Closure is a function value closing over a set of upvalues captured at
// creation time.
type Closure struct {
	FunctionIndex uint32
	Upvalues      []*Value
}

// Value is the tagged union every tier, guard, and deopt frame operates on.
// Only the field selected by Tag is meaningful; the rest are zero. This
// mirrors the teacher's stack-machine operand representation but keeps
// values boxed (rather than packed into uint64) so that reference-typed
// variants (List, Dictionary, Object, Closure, ...) need no separate heap
// side-table in the deopt path (§4.8 step 3, Heap(a) locations still
// dereference through here for GC-tracked values).
type Value struct {
	Tag Tag

	Integer int64
	Float   float64
	Boolean bool
	Str     string

	// List, Dictionary, Set, and Tuple are boxed as slices rather than Go
	// maps: Value is not comparable (it embeds slices), so it cannot key a
	// Go map. A Dictionary is therefore an association list of entries;
	// lookups are linear, matching how a tree-walking T0 interpreter would
	// do it before any tier specializes the access.
	List       []Value
	Dictionary []DictEntry
	Set        []Value
	Tuple      []Value

	Class ClassRef
	// Fields holds an Object's instance state, keyed by field name. Nil for
	// any non-Object variant.
	Fields map[string]Value

	// Reference/WeakReference both carry the target's identity. A
	// WeakReference additionally tolerates the target going away; that
	// policy lives with the (external) GC, not here.
	Target uint64

	Native  NativeFunc
	Closure *Closure
}

// DictEntry is one key/value pair of a Dictionary value.
type DictEntry struct {
	Key, Val Value
}

// NativeFunc is a host-provided function invocable from bytecode via
// CallNative. The engine treats it as opaque.
type NativeFunc func(args []Value) (Value, error)

// Null is the canonical Null value.
var Null = Value{Tag: TagNull}

// Int constructs an Integer value.
func Int(v int64) Value { return Value{Tag: TagInteger, Integer: v} }

// Flt constructs a Float value.
func Flt(v float64) Value { return Value{Tag: TagFloat, Float: v} }

// Bool constructs a Boolean value.
func Bool(v bool) Value { return Value{Tag: TagBoolean, Boolean: v} }

// StrVal constructs a String value.
func StrVal(v string) Value { return Value{Tag: TagString, Str: v} }

// SameType reports whether two values carry the same Tag, the predicate
// type guards (§4.8 Type speculation) validate against.
func SameType(a, b Value) bool { return a.Tag == b.Tag }

// Equal implements value equality as bytecode's Eq opcode would: by tag
// first, then by representation. Reference-typed values compare by
// identity (Target) to match the Reference variant's semantics.
func Equal(a, b Value) bool {
	if a.Tag != b.Tag {
		return false
	}
	switch a.Tag {
	case TagInteger:
		return a.Integer == b.Integer
	case TagFloat:
		return a.Float == b.Float
	case TagBoolean:
		return a.Boolean == b.Boolean
	case TagString:
		return a.Str == b.Str
	case TagNull:
		return true
	case TagReference, TagWeakReference:
		return a.Target == b.Target
	default:
		return false // compound values never compare equal by identity here
	}
}

func (v Value) String() string {
	switch v.Tag {
	case TagInteger:
		return fmt.Sprintf("%d", v.Integer)
	case TagFloat:
		return fmt.Sprintf("%g", v.Float)
	case TagBoolean:
		return fmt.Sprintf("%t", v.Boolean)
	case TagString:
		return v.Str
	case TagNull:
		return "null"
	default:
		return fmt.Sprintf("<%s>", v.Tag)
	}
}
