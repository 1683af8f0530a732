package schema

import (
	"sort"
	"strings"

	"github.com/joshp123/pecronhub/internal/pecron"
)

const hmSuffix = "_hm"

// Derived codes are computed locally and bypass schema filtering.
const (
	CodeTimeToFull  = "remain_charging_time"
	CodeTimeToEmpty = "remain_discharging_time"
	CodePowerState  = "power_state"
)

// ValueType is the data type a property carries on the wire.
type ValueType string

const (
	TypeBool   ValueType = "bool"
	TypeInt    ValueType = "int"
	TypeFloat  ValueType = "float"
	TypeEnum   ValueType = "enum"
	TypeString ValueType = "string"
)

func parseValueType(raw string) ValueType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "bool", "boolean":
		return TypeBool
	case "int", "int32", "int64", "integer":
		return TypeInt
	case "float", "double", "number":
		return TypeFloat
	case "enum":
		return TypeEnum
	default:
		return TypeString
	}
}

// Entry is one property of a model's capability schema.
type Entry struct {
	// Code is the normalized bare code.
	Code string
	// Alias is the _hm form as published by the cloud, if any.
	Alias     string
	Name      string
	Readable  bool
	Writable  bool
	ValueType ValueType
}

// WireCode is the code to send back to the cloud when writing.
func (e Entry) WireCode() string {
	if e.Alias != "" {
		return e.Alias
	}
	return e.Code
}

// Schema is the immutable capability schema of one model.
type Schema struct {
	Model   string
	entries map[string]Entry
}

// Normalize lowercases a property name and drops the _hm suffix.
func Normalize(name string) string {
	code := strings.ToLower(strings.TrimSpace(name))
	if bare, ok := strings.CutSuffix(code, hmSuffix); ok && bare != "" {
		return bare
	}
	return code
}

func IsDerived(name string) bool {
	switch Normalize(name) {
	case CodeTimeToFull, CodeTimeToEmpty, CodePowerState:
		return true
	}
	return false
}

func New(model string, entries []Entry) *Schema {
	s := &Schema{Model: model, entries: make(map[string]Entry, len(entries))}
	for _, entry := range entries {
		key := Normalize(entry.Code)
		if key == "" {
			continue
		}
		entry.Code = key
		if existing, ok := s.entries[key]; ok {
			entry = merge(existing, entry)
		}
		s.entries[key] = entry
	}
	return s
}

// FromDescriptors builds a schema from the cloud TSL. The bare code wins as
// wire code when a model publishes both forms.
func FromDescriptors(model string, props []pecron.PropertyDescriptor) *Schema {
	entries := make([]Entry, 0, len(props))
	for _, prop := range props {
		entry := Entry{
			Code:      prop.Code,
			Name:      prop.Name,
			Readable:  prop.AccessMode.Readable(),
			Writable:  prop.AccessMode.Writable(),
			ValueType: parseValueType(prop.DataType),
		}
		if strings.HasSuffix(strings.ToLower(prop.Code), hmSuffix) {
			entry.Alias = prop.Code
		}
		entries = append(entries, entry)
	}
	return New(model, entries)
}

func merge(a, b Entry) Entry {
	out := a
	if out.Alias != "" && b.Alias == "" {
		out.Alias = ""
	}
	if out.Name == "" {
		out.Name = b.Name
	}
	out.Readable = a.Readable || b.Readable
	out.Writable = a.Writable || b.Writable
	return out
}

// Empty reports whether the model published no properties.
func (s *Schema) Empty() bool {
	return s == nil || len(s.entries) == 0
}

// Lookup resolves name case-insensitively, matching either its bare or _hm form.
func (s *Schema) Lookup(name string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	entry, ok := s.entries[Normalize(name)]
	return entry, ok
}

// Exposed reports whether a property may be shown. Derived codes always are,
// and an empty schema exposes everything.
func (s *Schema) Exposed(name string) bool {
	if IsDerived(name) || s.Empty() {
		return true
	}
	entry, ok := s.Lookup(name)
	return ok && (entry.Readable || entry.Writable)
}

// Writable reports whether a property accepts writes. An empty schema defers
// the decision to the cloud.
func (s *Schema) Writable(name string) bool {
	if IsDerived(name) {
		return false
	}
	if s.Empty() {
		return true
	}
	entry, ok := s.Lookup(name)
	return ok && entry.Writable
}

// Codes lists the normalized codes in sorted order.
func (s *Schema) Codes() []string {
	if s == nil {
		return nil
	}
	codes := make([]string, 0, len(s.entries))
	for code := range s.entries {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Filter keeps the exposed properties, keyed by normalized code.
func (s *Schema) Filter(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for name, value := range props {
		if s.Exposed(name) {
			out[Normalize(name)] = value
		}
	}
	return out
}
