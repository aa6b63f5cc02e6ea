package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectContradiction(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want ContradictionVerdict
	}{
		{
			name: "identical statements",
			a:    "User likes coffee",
			b:    "User likes coffee",
			want: ContradictionNone,
		},
		{
			name: "unrelated statements",
			a:    "User likes coffee",
			b:    "The weather in Tokyo is humid",
			want: ContradictionNone,
		},
		{
			name: "negation flip",
			a:    "User likes coffee",
			b:    "User does not like coffee",
			want: ContradictionLikely,
		},
		{
			name: "stopped doing",
			a:    "User runs every morning",
			b:    "User stopped running every morning",
			want: ContradictionLikely,
		},
		{
			name: "antonym pair",
			a:    "User likes jazz music",
			b:    "User hates jazz music",
			want: ContradictionLikely,
		},
		{
			name: "value change on lives in",
			a:    "User lives in Berlin",
			b:    "User lives in Paris",
			want: ContradictionLikely,
		},
		{
			name: "value change on works at",
			a:    "User works at Acme",
			b:    "User works at Globex",
			want: ContradictionLikely,
		},
		{
			name: "generic is pivot is only ambiguous",
			a:    "User's favorite language is Go",
			b:    "User's favorite language is Rust",
			want: ContradictionAmbiguous,
		},
		{
			name: "different subjects do not conflict",
			a:    "User lives in Berlin",
			b:    "User's sister lives in Paris",
			want: ContradictionNone,
		},
		{
			name: "compatible likes",
			a:    "User likes coffee",
			b:    "User likes tea",
			want: ContradictionNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectContradiction(tt.a, tt.b))
		})
	}
}
