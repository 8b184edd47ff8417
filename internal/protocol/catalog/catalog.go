// Package catalog maps named camera operations onto VISCA payload templates.
//
// Operations are declarative data: a fixed template plus parameter rules that
// say where each logical value lands and how it is encoded. Adding a camera
// family means registering more operations, not writing more encoders.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/viscactl/internal/protocol/frame"
)

var (
	ErrUnknownOperation    = errors.New("catalog: unknown operation")
	ErrDuplicateOperation  = errors.New("catalog: duplicate operation")
	ErrInvalidOperation    = errors.New("catalog: invalid operation")
	ErrParameterOutOfRange = errors.New("catalog: parameter out of range")
	ErrMissingParameter    = errors.New("catalog: missing parameter")
	ErrUnknownParameter    = errors.New("catalog: unknown parameter")
	ErrReplyShape          = errors.New("catalog: unexpected reply shape")
)

// Class separates slot-bound commands from direct-reply inquiries.
type Class uint8

const (
	ClassCommand Class = iota
	ClassInquiry
)

func (c Class) String() string {
	if c == ClassInquiry {
		return "inquiry"
	}
	return "command"
}

// Encoding says how a parameter value is laid into payload bytes.
type Encoding uint8

const (
	// EncodeByte writes the value as one whole byte.
	EncodeByte Encoding = iota
	// EncodeNibbles splits the value over Width bytes, one nibble each,
	// high nibble first, upper nibble of every byte zero.
	EncodeNibbles
	// EncodeLowNibble ORs the value into the low nibble of the template byte.
	EncodeLowNibble
)

// Param describes one logical parameter of an operation, or one field of an
// inquiry reply.
//
// The wire value is value+Offset. With Signed set the wire value is the
// two's complement of that sum over Width nibbles.
type Param struct {
	Name     string
	Doc      string
	Min      int
	Max      int
	Offset   int
	Signed   bool
	Encoding Encoding
	Width    int
	At       int
	Values   map[string]int
	Optional bool
	Default  int
}

// Operation is one catalog entry.
type Operation struct {
	Name        string
	Description string
	Class       Class
	Template    []byte
	Params      []Param
	DataLen     int
	Fields      []Param
}

// Args carries resolved parameter values by name.
type Args map[string]int

// Catalog is a concurrency-safe operation table.
type Catalog struct {
	mu        sync.RWMutex
	commands  map[string]Operation
	inquiries map[string]Operation
}

func New(ops ...Operation) (*Catalog, error) {
	c := &Catalog{
		commands:  make(map[string]Operation),
		inquiries: make(map[string]Operation),
	}
	for _, op := range ops {
		if err := c.Register(op); err != nil {
			return nil, err
		}
	}
	return c, nil
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the built-in VISCA table.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := New(builtinOperations()...)
		if err != nil {
			panic(fmt.Sprintf("catalog: builtin table invalid: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

func (c *Catalog) Register(op Operation) error {
	op.Name = strings.TrimSpace(op.Name)
	if err := op.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	table := c.table(op.Class)
	if _, ok := table[op.Name]; ok {
		return fmt.Errorf("%w: %s %q", ErrDuplicateOperation, op.Class, op.Name)
	}
	table[op.Name] = op
	return nil
}

func (c *Catalog) Command(name string) (Operation, bool) {
	return c.lookup(ClassCommand, name)
}

func (c *Catalog) Inquiry(name string) (Operation, bool) {
	return c.lookup(ClassInquiry, name)
}

// Build resolves a command or inquiry by name and encodes its payload.
func (c *Catalog) Build(class Class, name string, args Args) ([]byte, Operation, error) {
	op, ok := c.lookup(class, name)
	if !ok {
		return nil, Operation{}, fmt.Errorf("%w: %s %q", ErrUnknownOperation, class, name)
	}
	payload, err := op.Encode(args)
	if err != nil {
		return nil, Operation{}, err
	}
	return payload, op, nil
}

// List returns operations of one class sorted by name.
func (c *Catalog) List(class Class) []Operation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	table := c.table(class)
	out := make([]Operation, 0, len(table))
	for _, op := range table {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

func (c *Catalog) lookup(class Class, name string) (Operation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	op, ok := c.table(class)[strings.TrimSpace(name)]
	return op, ok
}

func (c *Catalog) table(class Class) map[string]Operation {
	if class == ClassInquiry {
		return c.inquiries
	}
	return c.commands
}

// Param looks up a parameter by name.
func (op Operation) Param(name string) (Param, bool) {
	for _, p := range op.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Encode validates args and returns the payload bytes, without address or
// terminator.
func (op Operation) Encode(args Args) ([]byte, error) {
	for name := range args {
		if _, ok := op.Param(name); !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownParameter, op.Name, name)
		}
	}
	out := append([]byte(nil), op.Template...)
	for _, p := range op.Params {
		v, ok := args[p.Name]
		if !ok {
			if !p.Optional {
				return nil, fmt.Errorf("%w: %s.%s", ErrMissingParameter, op.Name, p.Name)
			}
			v = p.Default
		}
		if err := p.check(v); err != nil {
			return nil, fmt.Errorf("%s: %w", op.Name, err)
		}
		p.put(out, v)
	}
	return out, nil
}

// Validate checks that a template and its parameter rules can only ever
// produce well-formed payloads.
func (op Operation) Validate() error {
	if op.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidOperation)
	}
	if len(op.Template) == 0 || len(op.Template) > frame.MaxPayloadLen {
		return fmt.Errorf("%w: %s template length %d", ErrInvalidOperation, op.Name, len(op.Template))
	}
	for i, b := range op.Template {
		if b == frame.Terminator {
			return fmt.Errorf("%w: %s template[%d] is the terminator", ErrInvalidOperation, op.Name, i)
		}
	}
	if op.Class == ClassInquiry && op.Template[0] != 0x09 {
		return fmt.Errorf("%w: %s inquiry template must start with 0x09", ErrInvalidOperation, op.Name)
	}
	if op.Class == ClassCommand && op.Template[0] == 0x09 {
		return fmt.Errorf("%w: %s command template uses the inquiry category", ErrInvalidOperation, op.Name)
	}
	seen := make(map[string]bool, len(op.Params))
	for _, p := range op.Params {
		if seen[p.Name] {
			return fmt.Errorf("%w: %s duplicate param %q", ErrInvalidOperation, op.Name, p.Name)
		}
		seen[p.Name] = true
		if err := p.validate(len(op.Template)); err != nil {
			return fmt.Errorf("%w: %s.%s: %v", ErrInvalidOperation, op.Name, p.Name, err)
		}
	}
	if op.Class == ClassInquiry {
		if op.DataLen <= 0 || op.DataLen > frame.MaxFrameLen-3 {
			return fmt.Errorf("%w: %s reply data length %d", ErrInvalidOperation, op.Name, op.DataLen)
		}
		for _, f := range op.Fields {
			if err := f.validate(op.DataLen); err != nil {
				return fmt.Errorf("%w: %s field %s: %v", ErrInvalidOperation, op.Name, f.Name, err)
			}
		}
	}
	return nil
}

func (p Param) span() int {
	if p.Encoding == EncodeNibbles {
		return p.Width
	}
	return 1
}

func (p Param) validate(size int) error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("missing name")
	}
	if p.Encoding == EncodeNibbles && (p.Width < 1 || p.Width > 8) {
		return fmt.Errorf("nibble width %d", p.Width)
	}
	if p.At < 0 || p.At+p.span() > size {
		return fmt.Errorf("position %d+%d outside %d bytes", p.At, p.span(), size)
	}
	lo, hi := p.Min, p.Max
	if len(p.Values) > 0 {
		lo, hi = p.valueBounds()
	}
	if lo > hi {
		return fmt.Errorf("range %d..%d", lo, hi)
	}
	if p.Optional {
		if err := p.check(p.Default); err != nil {
			return fmt.Errorf("default: %v", err)
		}
	}
	if p.Signed {
		if p.Encoding != EncodeNibbles {
			return errors.New("signed values need nibble encoding")
		}
		half := 1 << (4*p.Width - 1)
		if lo+p.Offset < -half || hi+p.Offset >= half {
			return fmt.Errorf("signed range %d..%d exceeds %d nibbles", lo, hi, p.Width)
		}
		return nil
	}
	var ceiling int
	switch p.Encoding {
	case EncodeByte:
		ceiling = 0xFE
	case EncodeNibbles:
		ceiling = 1<<(4*p.Width) - 1
	case EncodeLowNibble:
		ceiling = 0x0F
	default:
		return fmt.Errorf("encoding %d", p.Encoding)
	}
	if lo+p.Offset < 0 || hi+p.Offset > ceiling {
		return fmt.Errorf("wire range %d..%d exceeds 0..%d", lo+p.Offset, hi+p.Offset, ceiling)
	}
	return nil
}

func (p Param) valueBounds() (int, int) {
	first := true
	var lo, hi int
	for _, v := range p.Values {
		if first || v < lo {
			lo = v
		}
		if first || v > hi {
			hi = v
		}
		first = false
	}
	return lo, hi
}

func (p Param) check(v int) error {
	if len(p.Values) > 0 {
		for _, allowed := range p.Values {
			if v == allowed {
				return nil
			}
		}
		return fmt.Errorf("%w: %s=%d not one of %s", ErrParameterOutOfRange, p.Name, v, strings.Join(p.ValueNames(), "|"))
	}
	if v < p.Min || v > p.Max {
		return fmt.Errorf("%w: %s=%d outside %d..%d", ErrParameterOutOfRange, p.Name, v, p.Min, p.Max)
	}
	return nil
}

func (p Param) wire(v int) int {
	w := v + p.Offset
	if p.Signed {
		w &= 1<<(4*p.Width) - 1
	}
	return w
}

func (p Param) put(out []byte, v int) {
	w := p.wire(v)
	switch p.Encoding {
	case EncodeByte:
		out[p.At] = byte(w)
	case EncodeNibbles:
		for i := 0; i < p.Width; i++ {
			shift := 4 * (p.Width - 1 - i)
			out[p.At+i] = byte((w >> shift) & 0x0F)
		}
	case EncodeLowNibble:
		out[p.At] = out[p.At]&0xF0 | byte(w&0x0F)
	}
}

func (p Param) read(data []byte) int {
	var raw int
	switch p.Encoding {
	case EncodeByte:
		raw = int(data[p.At])
	case EncodeNibbles:
		for i := 0; i < p.Width; i++ {
			raw = raw<<4 | int(data[p.At+i]&0x0F)
		}
	case EncodeLowNibble:
		raw = int(data[p.At] & 0x0F)
	}
	if p.Signed {
		bits := 4 * p.Width
		if raw >= 1<<(bits-1) {
			raw -= 1 << bits
		}
	}
	return raw - p.Offset
}

// ValueNames lists symbolic names sorted by their numeric value.
func (p Param) ValueNames() []string {
	names := make([]string, 0, len(p.Values))
	for name := range p.Values {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		vi, vj := p.Values[names[i]], p.Values[names[j]]
		if vi != vj {
			return vi < vj
		}
		return names[i] < names[j]
	})
	return names
}

func (p Param) label(v int) (string, bool) {
	for _, name := range p.ValueNames() {
		if p.Values[name] == v {
			return name, true
		}
	}
	return "", false
}
