package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Value is a decoded inquiry reply.
type Value struct {
	Op     string            `json:"op"`
	Fields map[string]int    `json:"fields"`
	Labels map[string]string `json:"labels,omitempty"`
	Data   []byte            `json:"-"`
}

func (v Value) Int(name string) (int, bool) {
	n, ok := v.Fields[name]
	return n, ok
}

func (v Value) String() string {
	names := make([]string, 0, len(v.Fields))
	for name := range v.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if label, ok := v.Labels[name]; ok {
			parts = append(parts, fmt.Sprintf("%s=%s", name, label))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%d", name, v.Fields[name]))
	}
	return strings.Join(parts, " ")
}

// Decode interprets the data bytes of an inquiry reply (between 90 5y and FF).
func (op Operation) Decode(data []byte) (Value, error) {
	if op.Class != ClassInquiry {
		return Value{}, fmt.Errorf("%w: %s is not an inquiry", ErrReplyShape, op.Name)
	}
	if len(data) != op.DataLen {
		return Value{}, fmt.Errorf("%w: %s expects %d data bytes, got %d", ErrReplyShape, op.Name, op.DataLen, len(data))
	}
	out := Value{
		Op:     op.Name,
		Fields: make(map[string]int, len(op.Fields)),
		Data:   append([]byte(nil), data...),
	}
	for _, f := range op.Fields {
		n := f.read(data)
		out.Fields[f.Name] = n
		if label, ok := f.label(n); ok {
			if out.Labels == nil {
				out.Labels = make(map[string]string)
			}
			out.Labels[f.Name] = label
		}
	}
	return out, nil
}
