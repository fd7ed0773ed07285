package ha

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
)

// Statement is one committed configuration mutation: a SQL statement and
// its bound parameters. Statements carry no identity beyond their position
// in the journal; replaying one twice must be safe on the receiving side.
type Statement struct {
	SQL  string `json:"sql"`
	Args []any  `json:"-"`
}

// NewStatement builds a statement, normalizing arguments to the kinds the
// codec can round-trip: nil, bool, int64, float64, string, []byte.
func NewStatement(sql string, args ...any) (Statement, error) {
	norm := make([]any, 0, len(args))
	for i, a := range args {
		v, err := normalizeArg(a)
		if err != nil {
			return Statement{}, fmt.Errorf("arg %d: %w", i, err)
		}
		norm = append(norm, v)
	}
	return Statement{SQL: sql, Args: norm}, nil
}

// MustStatement is NewStatement for literals known to be valid.
func MustStatement(sql string, args ...any) Statement {
	s, err := NewStatement(sql, args...)
	if err != nil {
		panic(err)
	}
	return s
}

func normalizeArg(a any) (any, error) {
	switch v := a.(type) {
	case nil, bool, int64, float64, string:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float32:
		return float64(v), nil
	case []byte:
		return slices.Clone(v), nil
	default:
		return nil, fmt.Errorf("unsupported argument type %T", a)
	}
}

// Equal compares SQL text and arguments by value.
func (s Statement) Equal(o Statement) bool {
	if s.SQL != o.SQL || len(s.Args) != len(o.Args) {
		return false
	}
	for i := range s.Args {
		if !argEqual(s.Args[i], o.Args[i]) {
			return false
		}
	}
	return true
}

func argEqual(a, b any) bool {
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case float64:
		bv, ok := b.(float64)
		return ok && (av == bv || (math.IsNaN(av) && math.IsNaN(bv)))
	default:
		return a == b
	}
}

// wireArg tags each argument with its kind so integers, floats and blobs
// survive a JSON round trip unchanged.
type wireArg struct {
	Kind  string          `json:"k"`
	Value json.RawMessage `json:"v,omitempty"`
}

type wireStatement struct {
	SQL  string    `json:"sql"`
	Args []wireArg `json:"args"`
}

// MarshalJSON implements json.Marshaler.
func (s Statement) MarshalJSON() ([]byte, error) {
	w := wireStatement{SQL: s.SQL, Args: make([]wireArg, 0, len(s.Args))}
	for i, a := range s.Args {
		var (
			kind string
			val  any
		)
		switch v := a.(type) {
		case nil:
			w.Args = append(w.Args, wireArg{Kind: "null"})
			continue
		case bool:
			kind, val = "bool", v
		case int64:
			kind, val = "int", v
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("arg %d: non-finite float", i)
			}
			kind, val = "float", v
		case string:
			kind, val = "text", v
		case []byte:
			kind, val = "blob", v
		default:
			return nil, fmt.Errorf("arg %d: unsupported type %T", i, a)
		}
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		w.Args = append(w.Args, wireArg{Kind: kind, Value: raw})
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Statement) UnmarshalJSON(data []byte) error {
	var w wireStatement
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	args := make([]any, 0, len(w.Args))
	for i, a := range w.Args {
		var (
			v   any
			err error
		)
		switch a.Kind {
		case "null":
			v = nil
		case "bool":
			var b bool
			err = json.Unmarshal(a.Value, &b)
			v = b
		case "int":
			var n int64
			err = json.Unmarshal(a.Value, &n)
			v = n
		case "float":
			var f float64
			err = json.Unmarshal(a.Value, &f)
			v = f
		case "text":
			var t string
			err = json.Unmarshal(a.Value, &t)
			v = t
		case "blob":
			var b []byte
			err = json.Unmarshal(a.Value, &b)
			if b == nil {
				b = []byte{}
			}
			v = b
		default:
			err = fmt.Errorf("unknown kind %q", a.Kind)
		}
		if err != nil {
			return fmt.Errorf("arg %d: %w", i, err)
		}
		args = append(args, v)
	}
	s.SQL = w.SQL
	s.Args = args
	return nil
}
