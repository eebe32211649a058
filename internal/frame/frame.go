package frame

import (
	"strconv"
	"strings"
)

// A frame info is a single string describing one occurrence of a call site:
//
//	function \x00 file \x00 line [ \x01 attribute ( \x02 attribute )* ]
//
// The part before \x01 is the identifier and is the only part used to
// decide whether two frames are the same. Attributes start with a one byte
// marker. None of the separators can appear in a function name or a path.
const (
	IdentifierSeparator = "\x00"
	AttributesSeparator = "\x01"
	AttributeSeparator  = "\x02"

	MarkerClassName = 'c'
	MarkerLine      = 'l'
	MarkerHide      = 'h'
)

// Synthetic identifiers inserted by the profiler.
const (
	SelfTimeIdentifier     = "[self]"
	AwaitIdentifier        = "[await]"
	OutOfContextIdentifier = "[out-of-context]"
	RootIdentifier         = "[root]"
)

const (
	BuiltinFile = "<built-in>"
	ThreadFile  = "<thread>"
)

type (
	Identifier struct {
		Function string
		File     string
		Line     int
	}

	Info struct {
		Identifier

		ClassName   string
		CurrentLine int
		Hidden      bool
	}
)

// NewIdentifier formats the identifier of a call site. It is meant to be
// computed once per code location and reused.
func NewIdentifier(function, file string, line int) string {
	return function + IdentifierSeparator + file + IdentifierSeparator + strconv.Itoa(line)
}

// BuiltinIdentifier identifies a function without source, such as a C call.
func BuiltinIdentifier(name string) string {
	return NewIdentifier(name, BuiltinFile, 0)
}

// ThreadIdentifier identifies the pseudo frame at the root of every stack.
func ThreadIdentifier(name string, id int64) string {
	return name + IdentifierSeparator + ThreadFile + IdentifierSeparator + strconv.FormatInt(id, 10)
}

// Encode appends attributes to an identifier.
func Encode(identifier string, attributes []string) string {
	if len(attributes) == 0 {
		return identifier
	}
	return identifier + AttributesSeparator + strings.Join(attributes, AttributeSeparator)
}

// Decode splits a frame info into its identifier and attributes.
func Decode(info string) (string, []string) {
	i := strings.IndexByte(info, AttributesSeparator[0])
	if i < 0 {
		return info, nil
	}
	return info[:i], strings.Split(info[i+1:], AttributeSeparator)
}

// IdentifierOnly returns the identifier part of a frame info without
// allocating.
func IdentifierOnly(info string) string {
	if i := strings.IndexByte(info, AttributesSeparator[0]); i >= 0 {
		return info[:i]
	}
	return info
}

func ClassNameAttribute(name string) string {
	return string(MarkerClassName) + name
}

func LineAttribute(line int) string {
	return string(MarkerLine) + strconv.Itoa(line)
}

func HideAttribute() string {
	return string(MarkerHide) + "1"
}

// ParseIdentifier splits an identifier into its fields. Synthetic
// identifiers only fill Function.
func ParseIdentifier(identifier string) Identifier {
	parts := strings.SplitN(identifier, IdentifierSeparator, 3)
	id := Identifier{Function: parts[0]}
	if len(parts) > 1 {
		id.File = parts[1]
	}
	if len(parts) > 2 {
		id.Line, _ = strconv.Atoi(parts[2])
	}
	return id
}

// Parse decodes a frame info. Unknown attribute markers are ignored.
func Parse(info string) Info {
	identifier, attributes := Decode(info)
	i := Info{Identifier: ParseIdentifier(identifier)}
	for _, a := range attributes {
		if a == "" {
			continue
		}
		switch a[0] {
		case MarkerClassName:
			i.ClassName = a[1:]
		case MarkerLine:
			i.CurrentLine, _ = strconv.Atoi(a[1:])
		case MarkerHide:
			i.Hidden = true
		}
	}
	return i
}

// HasAttribute reports whether info carries an attribute with the marker.
func HasAttribute(info string, marker byte) bool {
	_, attributes := Decode(info)
	for _, a := range attributes {
		if a != "" && a[0] == marker {
			return true
		}
	}
	return false
}

func IsSynthetic(identifier string) bool {
	switch identifier {
	case SelfTimeIdentifier, AwaitIdentifier, OutOfContextIdentifier, RootIdentifier:
		return true
	}
	return false
}

func (i Identifier) IsSynthetic() bool {
	return i.File == "" && IsSynthetic(i.Function)
}

func (i Identifier) IsThread() bool {
	return i.File == ThreadFile
}

func (i Identifier) String() string {
	if i.File == "" {
		return i.Function
	}
	return NewIdentifier(i.Function, i.File, i.Line)
}
