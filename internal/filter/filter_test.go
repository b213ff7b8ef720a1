package filter_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skygent-io/skygent/internal/filter"
)

func TestCompile_RejectsEmptyAuthorInList(t *testing.T) {
	_, err := filter.Compile(filter.Expr{Kind: filter.KindAuthorIn})
	require.ErrorIs(t, err, filter.ErrEmptyList)
}

func TestCompile_RejectsEngagementWithNoThresholds(t *testing.T) {
	_, err := filter.Compile(filter.Expr{Kind: filter.KindEngagement, Engagement: &filter.Engagement{}})
	require.ErrorIs(t, err, filter.ErrEngagementNoThresholds)
}

func TestCompile_RejectsInvalidRegex(t *testing.T) {
	_, err := filter.Compile(filter.Expr{Kind: filter.KindAltTextRegex, Pattern: "("})
	require.ErrorIs(t, err, filter.ErrInvalidRegex)
}

func TestCompile_AcceptsValidAndExpression(t *testing.T) {
	expr := filter.And(
		filter.Expr{Kind: filter.KindHasImages},
		filter.Expr{Kind: filter.KindAuthor, Handle: "alice.bsky"},
	)

	compiled, err := filter.Compile(expr)
	require.NoError(t, err)
	require.Equal(t, filter.KindAnd, compiled.Kind)
}

func TestSignature_StableAcrossKeyOrderingOfEquivalentExpr(t *testing.T) {
	var first, second filter.Expr
	require.NoError(t, json.Unmarshal([]byte(
		`{"kind":"and","left":{"kind":"author","handle":"alice.bsky"},"right":{"kind":"hashtag","tag":"#effect"}}`), &first))
	require.NoError(t, json.Unmarshal([]byte(
		`{"right":{"tag":"#effect","kind":"hashtag"},"left":{"handle":"alice.bsky","kind":"author"},"kind":"and"}`), &second))

	a, err := filter.Signature(first)
	require.NoError(t, err)

	b, err := filter.Signature(second)
	require.NoError(t, err)

	require.Equal(t, a, b)
}

func TestSignature_DiffersForDifferentExpressions(t *testing.T) {
	a, err := filter.Signature(filter.Expr{Kind: filter.KindAuthor, Handle: "alice.bsky"})
	require.NoError(t, err)

	b, err := filter.Signature(filter.Expr{Kind: filter.KindAuthor, Handle: "bob.bsky"})
	require.NoError(t, err)

	require.NotEqual(t, a, b)
}

func TestIsEffectful_TrueForTrendingNestedInAnd(t *testing.T) {
	expr := filter.And(
		filter.Expr{Kind: filter.KindHasImages},
		filter.Expr{Kind: filter.KindTrending, Tag: "#effect"},
	)

	require.True(t, filter.IsEffectful(expr))
}

func TestIsEffectful_FalseForPureExpression(t *testing.T) {
	expr := filter.And(
		filter.Expr{Kind: filter.KindHasImages},
		filter.Expr{Kind: filter.KindAuthor, Handle: "alice.bsky"},
	)

	require.False(t, filter.IsEffectful(expr))
}
