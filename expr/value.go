package expr

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mstrYoda/graphpipe/storage"
)

// ToFloat64 coerces a numeric value.
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int16:
		return float64(n), true
	case int8:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch n := storage.NormalizeValue(v).(type) {
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	}
	return 0, false
}

// ToBool coerces a value to bool.
func ToBool(v any) bool {
	if v == nil {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case int:
		return b != 0
	case float64:
		return b != 0
	case string:
		return b != "" && !strings.EqualFold(b, "false")
	}
	return true
}

// identity unwraps rows and records to their RID so links compare equal to
// the records they point at.
func identity(v any) (storage.RID, bool) {
	switch t := v.(type) {
	case storage.RID:
		return t, true
	case storage.Record:
		return t.Identity(), true
	case Row:
		if el := t.Element(); el != nil {
			return el.Identity(), true
		}
	}
	return storage.NoRID, false
}

// typeRank orders values of different types: nil < bool < number < time <
// string < rid < list < map < other.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case time.Time:
		return 3
	case string:
		return 4
	case []any:
		return 6
	case map[string]any:
		return 7
	}
	if _, ok := ToFloat64(v); ok {
		return 2
	}
	if _, ok := identity(v); ok {
		return 5
	}
	return 8
}

// Compare orders two values. ok is false when the values have no natural
// order between them (different types); the result still gives a total
// order usable for sorting.
func Compare(a, b any) (c int, ok bool) {
	a, b = storage.NormalizeValue(a), storage.NormalizeValue(b)
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1, false
		}
		return 1, false
	}
	switch ra {
	case 0:
		return 0, true
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		}
		return 1, true
	case 2:
		if ai, aok := a.(int64); aok {
			if bi, bok := b.(int64); bok {
				return cmpOrdered(ai, bi), true
			}
		}
		af, _ := ToFloat64(a)
		bf, _ := ToFloat64(b)
		return cmpOrdered(af, bf), true
	case 3:
		return a.(time.Time).Compare(b.(time.Time)), true
	case 4:
		return strings.Compare(a.(string), b.(string)), true
	case 5:
		ia, _ := identity(a)
		ib, _ := identity(b)
		switch {
		case ia == ib:
			return 0, true
		case ia.Less(ib):
			return -1, true
		}
		return 1, true
	case 6:
		la, lb := a.([]any), b.([]any)
		for i := 0; i < len(la) && i < len(lb); i++ {
			if c, ok := Compare(la[i], lb[i]); c != 0 {
				return c, ok
			}
		}
		return cmpOrdered(len(la), len(lb)), true
	}
	// Fallback: compare string representations.
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)), false
}

func cmpOrdered[T int | int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Equal reports value equality: numbers compare by value across int/float,
// lists and maps by content, and records by identity.
func Equal(a, b any) bool {
	a, b = storage.NormalizeValue(a), storage.NormalizeValue(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ia, ok := identity(a); ok {
		ib, ok := identity(b)
		return ok && ia == ib
	}
	switch at := a.(type) {
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, v := range at {
			w, ok := bt[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	}
	c, ok := Compare(a, b)
	return ok && c == 0
}

// Like matches s against a SQL LIKE pattern (% any run, _ one character).
func Like(s, pattern string) bool {
	return likeMatch([]rune(s), []rune(pattern))
}

func likeMatch(s, p []rune) bool {
	for len(p) > 0 {
		switch p[0] {
		case '%':
			for len(p) > 0 && p[0] == '%' {
				p = p[1:]
			}
			if len(p) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if likeMatch(s[i:], p) {
					return true
				}
			}
			return false
		case '_':
			if len(s) == 0 {
				return false
			}
		default:
			if len(s) == 0 || s[0] != p[0] {
				return false
			}
		}
		s, p = s[1:], p[1:]
	}
	return len(s) == 0
}

// Deep normalizes nested lists and maps along with scalars.
func Deep(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Deep(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Deep(e)
		}
		return out
	case storage.Props:
		return Deep(map[string]any(t))
	}
	return storage.NormalizeValue(v)
}
