package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidArgument = errors.New("catalog: invalid argument")

// ParseArgs resolves "name=value" pairs against op. Values may be decimal,
// 0x-prefixed hex, negative, or one of the parameter's symbolic names.
func ParseArgs(op Operation, pairs []string) (Args, error) {
	out := make(Args, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q is not name=value", ErrInvalidArgument, pair)
		}
		p, ok := op.Param(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownParameter, op.Name, name)
		}
		v, err := ResolveArg(p, raw)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// ResolveArg converts one textual value for p.
func ResolveArg(p Param, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if v, ok := p.Values[strings.ToLower(raw)]; ok {
		return v, nil
	}
	n, err := strconv.ParseInt(raw, 0, 32)
	if err != nil {
		if len(p.Values) > 0 {
			return 0, fmt.Errorf("%w: %s=%q (want %s)", ErrInvalidArgument, p.Name, raw, strings.Join(p.ValueNames(), "|"))
		}
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidArgument, p.Name, raw)
	}
	return int(n), nil
}
