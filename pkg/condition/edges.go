package condition

import (
	"strings"

	"github.com/ignatij/leadflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrNoEdge means no outgoing edge matches the outcome and no fallback exists.
var ErrNoEdge = errors.New("no outgoing edge matches outcome")

// IsFallbackHandle reports whether handle designates a default edge.
func IsFallbackHandle(handle string) bool {
	switch strings.ToLower(strings.TrimSpace(handle)) {
	case "", models.DefaultHandle, models.FallbackHandle, "else":
		return true
	}
	return false
}

// SelectEdge picks the edge for outcome. Handles match the label exactly; if
// none does, a default edge is taken, then a "no" edge. A timed out outcome
// prefers a "timeout" edge before falling back the same way.
func SelectEdge(edges []models.Edge, out Outcome) (models.Edge, error) {
	if out.Kind == Pending {
		return models.Edge{}, errors.New("cannot select an edge for a pending outcome")
	}
	if out.Label != "" {
		for _, e := range edges {
			if e.SourceHandle == out.Label {
				return e, nil
			}
		}
	}
	if out.Kind == TimedOut {
		for _, e := range edges {
			if e.SourceHandle == models.NoHandle {
				return e, nil
			}
		}
	}
	for _, e := range edges {
		if IsFallbackHandle(e.SourceHandle) {
			return e, nil
		}
	}
	for _, e := range edges {
		if e.SourceHandle == models.NoHandle {
			return e, nil
		}
	}
	return models.Edge{}, errors.Wrapf(ErrNoEdge, "%s %q", out.Kind, out.Label)
}

// Outcomes lists the labels a condition node can produce, used to check that
// every outcome is routed.
func Outcomes(config map[string]any) []string {
	var out []string
	op, _ := NormalizeOperator(models.ConfigString(config, "operator"))
	if op == Switch {
		out = append(out, Branches(config)...)
		out = append(out, FalseLabel(config))
	} else {
		out = append(out, TrueLabel(config), FalseLabel(config))
	}
	if _, ok, err := models.WaitDuration(config, "timeout"); err == nil && ok {
		out = append(out, models.TimeoutHandle)
	}
	return out
}

// Routed reports whether label has a matching or fallback edge.
func Routed(edges []models.Edge, label string) bool {
	for _, e := range edges {
		if e.SourceHandle == label || IsFallbackHandle(e.SourceHandle) {
			return true
		}
	}
	if label == models.TimeoutHandle {
		for _, e := range edges {
			if e.SourceHandle == models.NoHandle {
				return true
			}
		}
	}
	return false
}

// ForNode returns the node config with the operator inferred from types such
// as "equals-condition" when the config does not name one.
func ForNode(n models.Node) map[string]any {
	if models.ConfigString(n.Config, "operator") != "" {
		return n.Config
	}
	op := strings.TrimSuffix(n.Type, "-condition")
	if op == n.Type || op == "" {
		return n.Config
	}
	out := make(map[string]any, len(n.Config)+1)
	for k, v := range n.Config {
		out[k] = v
	}
	out["operator"] = strings.ReplaceAll(op, "-", "_")
	return out
}
