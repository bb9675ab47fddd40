package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardAnswersHas(t *testing.T) {
	fn, err := LookupGuard(GuardAnswersHas)
	require.NoError(t, err)

	tests := []struct {
		name    string
		answers map[string]any
		args    map[string]any
		want    bool
	}{
		{
			name:    "present value",
			answers: map[string]any{"name": "Ana"},
			args:    map[string]any{"key": "name"},
			want:    true,
		},
		{
			name:    "missing key",
			answers: map[string]any{},
			args:    map[string]any{"key": "name"},
			want:    false,
		},
		{
			name:    "nil value counts as missing",
			answers: map[string]any{"name": nil},
			args:    map[string]any{"key": "name"},
			want:    false,
		},
		{
			name:    "empty string counts as missing",
			answers: map[string]any{"name": ""},
			args:    map[string]any{"key": "name"},
			want:    false,
		},
		{
			name:    "zero number is present",
			answers: map[string]any{"count": 0},
			args:    map[string]any{"key": "count"},
			want:    true,
		},
		{
			name:    "missing key argument",
			answers: map[string]any{"name": "Ana"},
			args:    map[string]any{},
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fn(GuardContext{Answers: tt.answers}, tt.args)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGuardAnswersEquals(t *testing.T) {
	fn, err := LookupGuard(GuardAnswersEquals)
	require.NoError(t, err)

	tests := []struct {
		name    string
		answers map[string]any
		args    map[string]any
		want    bool
	}{
		{
			name:    "exact match",
			answers: map[string]any{"plan": "premium"},
			args:    map[string]any{"key": "plan", "value": "premium"},
			want:    true,
		},
		{
			name:    "case insensitive match",
			answers: map[string]any{"plan": "Premium"},
			args:    map[string]any{"key": "plan", "value": "premium"},
			want:    true,
		},
		{
			name:    "mismatch without allowed values",
			answers: map[string]any{"plan": "premium plus"},
			args:    map[string]any{"key": "plan", "value": "premium"},
			want:    false,
		},
		{
			name:    "fuzzy match through allowed values",
			answers: map[string]any{"segment": "faixa etaria"},
			args: map[string]any{
				"key":            "segment",
				"value":          "faixa_etaria",
				"allowed_values": []any{"faixa_etaria", "regiao"},
			},
			want: true,
		},
		{
			name:    "fuzzy resolves to different options",
			answers: map[string]any{"segment": "regiao sul"},
			args: map[string]any{
				"key":            "segment",
				"value":          "faixa_etaria",
				"allowed_values": []any{"faixa_etaria", "regiao"},
			},
			want: false,
		},
		{
			name:    "non-string values compare by equality",
			answers: map[string]any{"count": 3},
			args:    map[string]any{"key": "count", "value": 3},
			want:    true,
		},
		{
			name:    "missing answer",
			answers: map[string]any{},
			args:    map[string]any{"key": "plan", "value": "premium"},
			want:    false,
		},
		{
			name:    "equal slice values compare deeply",
			answers: map[string]any{"tags": []any{"a", "b"}},
			args:    map[string]any{"key": "tags", "value": []any{"a", "b"}},
			want:    true,
		},
		{
			name:    "different slice values do not panic",
			answers: map[string]any{"tags": []any{"a", "b"}},
			args:    map[string]any{"key": "tags", "value": []any{"a"}},
			want:    false,
		},
		{
			name:    "equal map values compare deeply",
			answers: map[string]any{"address": map[string]any{"city": "Recife"}},
			args:    map[string]any{"key": "address", "value": map[string]any{"city": "Recife"}},
			want:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fn(GuardContext{Answers: tt.answers}, tt.args)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGuardDepsMissing(t *testing.T) {
	fn, err := LookupGuard(GuardDepsMissing)
	require.NoError(t, err)

	args := map[string]any{
		"key":          "city",
		"dependencies": []any{"name", "age"},
	}

	t.Run("deps satisfied and key missing", func(t *testing.T) {
		ctx := GuardContext{Answers: map[string]any{"name": "Ana", "age": 30}}
		assert.True(t, fn(ctx, args))
	})
	t.Run("dependency missing blocks", func(t *testing.T) {
		ctx := GuardContext{Answers: map[string]any{"name": "Ana"}}
		assert.False(t, fn(ctx, args))
	})
	t.Run("key already answered", func(t *testing.T) {
		ctx := GuardContext{Answers: map[string]any{"name": "Ana", "age": 30, "city": "SP"}}
		assert.False(t, fn(ctx, args))
	})
}

func TestGuardPathLocked(t *testing.T) {
	fn, err := LookupGuard(GuardPathLocked)
	require.NoError(t, err)

	assert.True(t, fn(GuardContext{PathLocked: true, ActivePath: "sales"}, nil))
	assert.False(t, fn(GuardContext{PathLocked: true}, nil))
	assert.False(t, fn(GuardContext{ActivePath: "sales"}, nil))
}

func TestLookupGuardUnknown(t *testing.T) {
	_, err := LookupGuard("no_such_guard")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_guard")
}

func TestBestOption(t *testing.T) {
	options := []string{"faixa_etaria", "regiao", "interesse comercial"}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"exact after normalization", "Faixa Etaria", "faixa_etaria"},
		{"substring containment", "regiao sul", "regiao"},
		{"token overlap", "interesse", "interesse comercial"},
		{"no signal falls back to first option", "xyz", "faixa_etaria"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BestOption(tt.input, options))
		})
	}

	t.Run("empty options", func(t *testing.T) {
		assert.Equal(t, "", BestOption("anything", nil))
	})

	t.Run("tie breaks on lowest index", func(t *testing.T) {
		// Both options contain the input as a substring; the first wins.
		got := BestOption("plan", []string{"plan a", "plan b"})
		assert.Equal(t, "plan a", got)
	})
}

func TestGuardNames(t *testing.T) {
	names := GuardNames()
	assert.Equal(t, []string{
		GuardAlways,
		GuardAnswersEquals,
		GuardAnswersHas,
		GuardDepsMissing,
		GuardPathLocked,
	}, names)
}
