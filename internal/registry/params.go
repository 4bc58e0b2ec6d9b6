package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// ParamType is the declared scalar type of a handler parameter.
type ParamType int

const (
	String ParamType = iota
	Integer
)

func (t ParamType) String() string {
	switch t {
	case Integer:
		return "integer"
	default:
		return "string"
	}
}

// Param declares one named handler input. Placeholders in the identifier
// are always required; other params must be Optional.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Optional    bool
}

// Args holds coerced parameter values keyed by name, plus any query
// supplied on a resource identifier.
type Args struct {
	values map[string]any
	Query  url.Values
}

// NewArgs builds Args directly. Intended for tests and adapters.
func NewArgs(values map[string]any, query url.Values) Args {
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return Args{values: copied, Query: query}
}

func (a Args) Value(name string) (any, bool) {
	v, ok := a.values[name]
	return v, ok
}

func (a Args) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

func (a Args) String(name string) string {
	switch v := a.values[name].(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (a Args) Int(name string) int64 {
	v, _ := a.values[name].(int64)
	return v
}

func (a Args) Len() int {
	return len(a.values)
}

func coerce(p Param, raw any) (any, error) {
	switch p.Type {
	case Integer:
		return coerceInteger(p, raw)
	default:
		return coerceString(p, raw)
	}
}

func coerceString(p Param, raw any) (any, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return nil, mismatch(p, raw)
	}
}

func coerceInteger(p Param, raw any) (any, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return parsed, nil
		}
		return nil, mismatch(p, raw)
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || v >= math.MaxInt64 || v < math.MinInt64 {
			return nil, mismatch(p, raw)
		}
		return int64(v), nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, mismatch(p, raw)
		}
		return parsed, nil
	default:
		return nil, mismatch(p, raw)
	}
}

func mismatch(p Param, raw any) error {
	return fmt.Errorf("%w: %s must be %s, got %q", ErrParameterTypeMismatch, p.Name, p.Type, fmt.Sprint(raw))
}

func isBlank(raw any) bool {
	if raw == nil {
		return true
	}
	s, ok := raw.(string)
	return ok && strings.TrimSpace(s) == ""
}
