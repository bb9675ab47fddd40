package flow

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// GuardContext is the read-only view a guard evaluates against. Guards are
// pure and total: they never mutate the context and always return a bool.
type GuardContext struct {
	Answers      map[string]any
	PendingField string
	ActivePath   string
	PathLocked   bool
	Event        string
}

// GuardFunc is a pure predicate over the guard context and the edge's
// authored arguments.
type GuardFunc func(ctx GuardContext, args map[string]any) bool

// Guard names understood by the compiler.
const (
	GuardAlways        = "always"
	GuardAnswersHas    = "answers_has"
	GuardAnswersEquals = "answers_equals"
	GuardDepsMissing   = "deps_missing"
	GuardPathLocked    = "path_locked"
)

var guardRegistry = map[string]GuardFunc{
	GuardAlways:        guardAlways,
	GuardAnswersHas:    guardAnswersHas,
	GuardAnswersEquals: guardAnswersEquals,
	GuardDepsMissing:   guardDepsMissing,
	GuardPathLocked:    guardPathLocked,
}

// LookupGuard resolves a guard name. Unknown names are a compile-time error.
func LookupGuard(name string) (GuardFunc, error) {
	fn, ok := guardRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown guard %q", name)
	}
	return fn, nil
}

func guardAlways(GuardContext, map[string]any) bool { return true }

func answerPresent(answers map[string]any, key string) bool {
	v, ok := answers[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return false
	}
	return true
}

func guardAnswersHas(ctx GuardContext, args map[string]any) bool {
	key, _ := args["key"].(string)
	if key == "" {
		return false
	}
	return answerPresent(ctx.Answers, key)
}

func guardAnswersEquals(ctx GuardContext, args map[string]any) bool {
	key, _ := args["key"].(string)
	if key == "" {
		return false
	}
	want := args["value"]
	got, ok := ctx.Answers[key]
	if !ok {
		return false
	}
	// Deep comparison: answers are JSON-decoded and may hold slices or maps.
	if reflect.DeepEqual(got, want) {
		return true
	}
	gotStr, gotIsStr := got.(string)
	wantStr, wantIsStr := want.(string)
	if !gotIsStr || !wantIsStr {
		return false
	}
	if strings.EqualFold(gotStr, wantStr) {
		return true
	}
	// With an allowed_values set, resolve both sides through best-option
	// fuzzy matching and compare the canonical options.
	allowed := stringSlice(args["allowed_values"])
	if len(allowed) == 0 {
		return false
	}
	return BestOption(gotStr, allowed) == BestOption(wantStr, allowed)
}

func guardDepsMissing(ctx GuardContext, args map[string]any) bool {
	key, _ := args["key"].(string)
	deps := stringSlice(args["dependencies"])
	for _, d := range deps {
		if !answerPresent(ctx.Answers, d) {
			return false
		}
	}
	return key != "" && !answerPresent(ctx.Answers, key)
}

func guardPathLocked(ctx GuardContext, _ map[string]any) bool {
	return ctx.PathLocked && ctx.ActivePath != ""
}

// stringSlice coerces a JSON-decoded value ([]any or []string) to []string.
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// normalizeOption casefolds and replaces underscores so that "faixa_etaria"
// and "Faixa Etaria" compare equal.
func normalizeOption(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", " "))
}

// BestOption picks the option most similar to the input. Scoring combines
// exact match, substring containment, and token overlap; ties break on the
// lowest option index so the result is deterministic.
func BestOption(input string, options []string) string {
	if len(options) == 0 {
		return ""
	}
	in := normalizeOption(input)
	type scored struct {
		idx   int
		score float64
	}
	best := scored{idx: 0, score: -1}
	for i, opt := range options {
		o := normalizeOption(opt)
		var score float64
		switch {
		case in == o:
			score = 3
		case strings.Contains(o, in) || strings.Contains(in, o):
			score = 2
		default:
			score = tokenOverlap(in, o)
		}
		if score > best.score {
			best = scored{idx: i, score: score}
		}
	}
	return options[best.idx]
}

// tokenOverlap returns |intersection| / |union| of whitespace tokens.
func tokenOverlap(a, b string) float64 {
	at := strings.Fields(a)
	bt := strings.Fields(b)
	if len(at) == 0 || len(bt) == 0 {
		return 0
	}
	set := make(map[string]bool, len(at))
	for _, t := range at {
		set[t] = true
	}
	inter := 0
	union := make(map[string]bool, len(at)+len(bt))
	for _, t := range at {
		union[t] = true
	}
	for _, t := range bt {
		if set[t] {
			inter++
		}
		union[t] = true
	}
	return float64(inter) / float64(len(union))
}

// GuardNames returns the registered guard names, sorted. Used by validation
// error messages and tests.
func GuardNames() []string {
	names := make([]string, 0, len(guardRegistry))
	for n := range guardRegistry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
