package storage

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Op is a comparison operator in a filter condition.
type Op int

const (
	OpEq Op = iota + 1
	OpNotEq
	OpGt
	OpGtEq
	OpLt
	OpLtEq
	OpIn
	OpIsNull
	OpNotNull
)

// Cond compares one field against a value. For OpIn the value is a slice;
// for OpIsNull/OpNotNull the value is ignored.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Clause is a conjunction of conditions, optionally ANDed with a
// disjunction of sub-clauses. Both engines interpret the same structure:
// the memory engine evaluates it against entities, the postgres engine
// renders it to SQL.
type Clause struct {
	Conds []Cond
	AnyOf []Clause
}

// Order sorts results by one field.
type Order struct {
	Field string
	Desc  bool
}

// Filter selects, orders and limits rows of one entity set.
type Filter struct {
	Where   Clause
	OrderBy []Order
	Limit   int
}

// Assign sets one field during a bulk update. With Add true the value is
// added to the current numeric field instead of replacing it.
type Assign struct {
	Field string
	Add   bool
	Value any
}

// Helpers used throughout the stores.

func Eq(field string, v any) Cond    { return Cond{Field: field, Op: OpEq, Value: v} }
func NotEq(field string, v any) Cond { return Cond{Field: field, Op: OpNotEq, Value: v} }
func Gt(field string, v any) Cond    { return Cond{Field: field, Op: OpGt, Value: v} }
func GtEq(field string, v any) Cond  { return Cond{Field: field, Op: OpGtEq, Value: v} }
func Lt(field string, v any) Cond    { return Cond{Field: field, Op: OpLt, Value: v} }
func LtEq(field string, v any) Cond  { return Cond{Field: field, Op: OpLtEq, Value: v} }
func In(field string, v any) Cond    { return Cond{Field: field, Op: OpIn, Value: v} }
func IsNull(field string) Cond       { return Cond{Field: field, Op: OpIsNull} }
func NotNull(field string) Cond      { return Cond{Field: field, Op: OpNotNull} }

func Set(field string, v any) Assign { return Assign{Field: field, Value: v} }
func Add(field string, n int64) Assign {
	return Assign{Field: field, Add: true, Value: n}
}

func Asc(field string) Order  { return Order{Field: field} }
func Desc(field string) Order { return Order{Field: field, Desc: true} }

// Matches evaluates the clause against an entity. Used by the memory
// engine and by tests asserting filter semantics.
func (c Clause) Matches(e Entity) (bool, error) {
	for _, cond := range c.Conds {
		ok, err := cond.matches(e)
		if err != nil || !ok {
			return false, err
		}
	}
	if len(c.AnyOf) == 0 {
		return true, nil
	}
	for _, sub := range c.AnyOf {
		ok, err := sub.Matches(e)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (c Cond) matches(e Entity) (bool, error) {
	v, err := e.Get(c.Field)
	if err != nil {
		return false, err
	}
	switch c.Op {
	case OpIsNull:
		return v == nil, nil
	case OpNotNull:
		return v != nil, nil
	case OpIn:
		vals, err := inValues(c.Value)
		if err != nil {
			return false, err
		}
		for _, want := range vals {
			cmp, err := compareValues(v, want)
			if err != nil {
				return false, err
			}
			if cmp == 0 {
				return true, nil
			}
		}
		return false, nil
	}
	if v == nil {
		// SQL semantics: comparisons against NULL never match.
		return false, nil
	}
	cmp, err := compareValues(v, c.Value)
	if err != nil {
		return false, err
	}
	switch c.Op {
	case OpEq:
		return cmp == 0, nil
	case OpNotEq:
		return cmp != 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpGtEq:
		return cmp >= 0, nil
	case OpLt:
		return cmp < 0, nil
	case OpLtEq:
		return cmp <= 0, nil
	}
	return false, fmt.Errorf("%w: unknown operator %d", ErrInvalidArgument, c.Op)
}

func inValues(v any) ([]any, error) {
	switch vs := v.(type) {
	case []any:
		return vs, nil
	case []uuid.UUID:
		out := make([]any, len(vs))
		for i, u := range vs {
			out[i] = u
		}
		return out, nil
	case []string:
		out := make([]any, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out, nil
	case []int64:
		out := make([]any, len(vs))
		for i, n := range vs {
			out[i] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unsupported IN operand %T", ErrInvalidArgument, v)
}

// Compare orders two field values of the same kind. Exposed for engines
// that sort result sets themselves.
func Compare(a, b any) (int, error) {
	return compareValues(a, b)
}

func compareValues(a, b any) (int, error) {
	switch av := a.(type) {
	case int64:
		bv, err := asInt64(b)
		if err != nil {
			return 0, err
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		}
		return 0, nil
	case string:
		bv, ok := b.(string)
		if !ok {
			if s, isStatus := statusString(b); isStatus {
				bv = s
			} else {
				return 0, typeMismatch(a, b)
			}
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		}
		return 0, nil
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, typeMismatch(a, b)
		}
		switch {
		case av.Before(bv):
			return -1, nil
		case av.After(bv):
			return 1, nil
		}
		return 0, nil
	case uuid.UUID:
		bv, ok := b.(uuid.UUID)
		if !ok {
			return 0, typeMismatch(a, b)
		}
		return bytes.Compare(av[:], bv[:]), nil
	}
	return 0, fmt.Errorf("%w: cannot compare %T", ErrInvalidArgument, a)
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	}
	return 0, fmt.Errorf("%w: expected integer, got %T", ErrInvalidArgument, v)
}

func statusString(v any) (string, bool) {
	switch s := v.(type) {
	case EventStatus:
		return string(s), true
	case DeliveryStatus:
		return string(s), true
	}
	return "", false
}

func typeMismatch(a, b any) error {
	return fmt.Errorf("%w: cannot compare %T with %T", ErrInvalidArgument, a, b)
}

// Apply mutates the entity with each assignment in order.
func Apply(e Entity, assigns []Assign) error {
	for _, a := range assigns {
		if a.Add {
			cur, err := e.Get(a.Field)
			if err != nil {
				return err
			}
			base, err := asInt64(cur)
			if err != nil {
				return err
			}
			delta, err := asInt64(a.Value)
			if err != nil {
				return err
			}
			if err := e.Set(a.Field, base+delta); err != nil {
				return err
			}
			continue
		}
		if err := e.Set(a.Field, normalizeAssign(a.Value)); err != nil {
			return err
		}
	}
	return nil
}

func normalizeAssign(v any) any {
	switch s := v.(type) {
	case EventStatus:
		return string(s)
	case DeliveryStatus:
		return string(s)
	}
	return v
}
