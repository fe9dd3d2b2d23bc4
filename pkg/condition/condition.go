// Package condition evaluates condition-node predicates against a run context
// and selects the outgoing edge for the result.
package condition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ignatij/leadflow/pkg/models"
	"github.com/pkg/errors"
)

type Kind int

const (
	// Matched carries a concrete branch label.
	Matched Kind = iota
	// NoMatch means the predicate evaluated to false.
	NoMatch
	// Pending means the field is not in the context yet and the node may wait.
	Pending
	// TimedOut means the wait expired with the field still absent.
	TimedOut
)

func (k Kind) String() string {
	switch k {
	case Matched:
		return "matched"
	case NoMatch:
		return "no_match"
	case Pending:
		return "pending"
	case TimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the result of resolving a condition node.
type Outcome struct {
	Kind  Kind
	Label string
}

// Operators.
const (
	Equals      = "equals"
	NotEquals   = "not_equals"
	Contains    = "contains"
	GreaterThan = "greater_than"
	LessThan    = "less_than"
	In          = "in"
	NotIn       = "not_in"
	Exists      = "exists"
	Switch      = "switch"
)

var operatorAliases = map[string]string{
	"==": Equals, "=": Equals, "eq": Equals,
	"!=": NotEquals, "<>": NotEquals, "ne": NotEquals,
	">": GreaterThan, "gt": GreaterThan,
	"<": LessThan, "lt": LessThan,
	"not in": NotIn,
}

// ErrUnknownOperator is returned for operators outside the supported set.
var ErrUnknownOperator = errors.New("unknown condition operator")

// NormalizeOperator maps aliases onto canonical operator names.
func NormalizeOperator(op string) (string, error) {
	op = strings.ToLower(strings.TrimSpace(op))
	if alias, ok := operatorAliases[op]; ok {
		op = alias
	}
	switch op {
	case Equals, NotEquals, Contains, GreaterThan, LessThan, In, NotIn, Exists, Switch:
		return op, nil
	}
	return "", errors.Wrapf(ErrUnknownOperator, "%q", op)
}

// TrueLabel is the branch label of a satisfied binary predicate.
func TrueLabel(config map[string]any) string {
	if l := models.ConfigString(config, "trueLabel"); l != "" {
		return l
	}
	return models.YesHandle
}

// FalseLabel is the branch label of an unsatisfied binary predicate.
func FalseLabel(config map[string]any) string {
	if l := models.ConfigString(config, "falseLabel"); l != "" {
		return l
	}
	return models.NoHandle
}

// Resolve evaluates config against ctx. When the referenced field is absent
// and the node has a timeout, the outcome is Pending, or TimedOut when forced
// is set because the wait has expired. Without a timeout an absent field is
// compared as an empty value.
func Resolve(config map[string]any, ctx map[string]any, forced bool) (Outcome, error) {
	field := models.ConfigString(config, "field")
	if field == "" {
		return Outcome{}, errors.New("condition has no field")
	}
	op, err := NormalizeOperator(models.ConfigString(config, "operator"))
	if err != nil {
		return Outcome{}, err
	}
	value, present := Lookup(ctx, field)
	if !present {
		if _, hasTimeout, terr := models.WaitDuration(config, "timeout"); terr == nil && hasTimeout {
			if forced {
				return Outcome{Kind: TimedOut, Label: models.TimeoutHandle}, nil
			}
			return Outcome{Kind: Pending}, nil
		}
	}

	if op == Switch {
		label := strings.TrimSpace(stringify(value))
		if !present || label == "" {
			return Outcome{Kind: NoMatch, Label: FalseLabel(config)}, nil
		}
		branches := Branches(config)
		if len(branches) == 0 {
			return Outcome{Kind: Matched, Label: label}, nil
		}
		// a declared branch names the edge handle, whatever the value's case
		for _, b := range branches {
			if strings.EqualFold(b, label) {
				return Outcome{Kind: Matched, Label: b}, nil
			}
		}
		return Outcome{Kind: NoMatch, Label: FalseLabel(config)}, nil
	}

	ok := evaluate(op, value, present, config)
	if ok {
		return Outcome{Kind: Matched, Label: TrueLabel(config)}, nil
	}
	return Outcome{Kind: NoMatch, Label: FalseLabel(config)}, nil
}

func evaluate(op string, value any, present bool, config map[string]any) bool {
	target := config["value"]
	switch op {
	case Equals:
		return strings.EqualFold(normalize(value), normalize(target))
	case NotEquals:
		return !strings.EqualFold(normalize(value), normalize(target))
	case Contains:
		if items := sliceOf(value); items != nil {
			return containsFold(items, normalize(target))
		}
		return strings.Contains(strings.ToLower(stringify(value)), strings.ToLower(stringify(target)))
	case GreaterThan, LessThan:
		a, errA := number(value)
		b, errB := number(target)
		if errA != nil || errB != nil {
			return false
		}
		if op == GreaterThan {
			return a > b
		}
		return a < b
	case In, NotIn:
		set := listOf(target)
		if set == nil {
			set = listOf(config["values"])
		}
		if set == nil && normalize(target) != "" {
			set = []string{normalize(target)}
		}
		member := memberOf(value, set)
		if op == In {
			return member
		}
		return !member
	case Exists:
		return present && normalize(value) != ""
	}
	return false
}

func memberOf(value any, set []string) bool {
	if items := sliceOf(value); items != nil {
		for _, it := range items {
			if containsFold(set, it) {
				return true
			}
		}
		return false
	}
	return containsFold(set, normalize(value))
}

// Lookup resolves a dotted path ("lead.status") against nested maps.
func Lookup(ctx map[string]any, path string) (any, bool) {
	if v, ok := ctx[path]; ok {
		return v, v != nil
	}
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func normalize(v any) string {
	return strings.ToLower(strings.TrimSpace(stringify(v)))
}

func number(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case bool:
		return 0, errors.New("boolean is not numeric")
	}
	return strconv.ParseFloat(strings.TrimSpace(stringify(v)), 64)
}

// Branches lists the labels a switch node declares, spelled as configured.
func Branches(config map[string]any) []string {
	return listWith(config["branches"], trimmed)
}

// listOf converts []any, []string or a comma separated string into a list of
// normalized strings. Scalars other than strings yield nil.
func listOf(v any) []string {
	return listWith(v, normalize)
}

// sliceOf is listOf restricted to real slices.
func sliceOf(v any) []string {
	return sliceWith(v, normalize)
}

func listWith(v any, conv func(any) string) []string {
	if out := sliceWith(v, conv); out != nil {
		return out
	}
	if l, ok := v.(string); ok && strings.Contains(l, ",") {
		parts := strings.Split(l, ",")
		out := make([]string, 0, len(parts))
		for _, s := range parts {
			out = append(out, conv(s))
		}
		return out
	}
	return nil
}

func sliceWith(v any, conv func(any) string) []string {
	switch l := v.(type) {
	case []string:
		out := make([]string, 0, len(l))
		for _, s := range l {
			out = append(out, conv(s))
		}
		return out
	case []any:
		out := make([]string, 0, len(l))
		for _, s := range l {
			out = append(out, conv(s))
		}
		return out
	}
	return nil
}

func trimmed(v any) string {
	return strings.TrimSpace(stringify(v))
}

func containsFold(list []string, s string) bool {
	for _, it := range list {
		if strings.EqualFold(it, s) {
			return true
		}
	}
	return false
}
