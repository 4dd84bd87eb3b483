package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAndEvaluateComparisons(t *testing.T) {
	scope := MapScope{"x": "10", "region": "north", "approved": "true"}
	cases := []struct {
		src  string
		want bool
	}{
		{"x > 5", true},
		{"x > 50", false},
		{"x >= 10 && x <= 10", true},
		{"x == 10.0", true},
		{"region == 'north'", true},
		{`region != "south"`, true},
		{"approved", true},
		{"!approved", false},
		{"approved == true", true},
		{"not (x < 3) and region == 'north'", true},
		{"missing == null", true},
		{"missing > 3", false},
		{"missing || x > 1", true},
		{"-x < 0", true},
		{"x > -1", true},
	}
	for _, tc := range cases {
		e, err := Parse(tc.src)
		require.NoError(t, err, tc.src)
		require.Equal(t, tc.want, Holds(e, scope), tc.src)
	}
}

func TestParseRejectsMalformedSources(t *testing.T) {
	for _, src := range []string{"", "x >", "(x > 1", "x > 1 > 2", "'open", "x # 1", "and"} {
		_, err := Parse(src)
		require.Error(t, err, src)
		var syntaxErr *SyntaxError
		require.ErrorAs(t, err, &syntaxErr, src)
	}
}

func TestJSONScopeReadsContentPaths(t *testing.T) {
	body := JSONScope(`{"order":{"total":1200,"rush":true,"owner":"ana"}}`)
	scope := Layered{MapScope{"x": "1"}, body}
	require.True(t, Holds(MustParse("content.order.total > 1000"), scope))
	require.True(t, Holds(MustParse("content.order.rush"), scope))
	require.True(t, Holds(MustParse("content.order.owner == 'ana' && x == 1"), scope))
	require.False(t, Holds(MustParse("content.order.missing"), scope))

	_, ok := JSONScope(`not json`).Lookup("content.order")
	require.False(t, ok)
	_, ok = body.Lookup("order.total")
	require.False(t, ok, "names without the content prefix are not resolved in JSON")
}

func TestLayeredScopeFirstHitWins(t *testing.T) {
	scope := Layered{MapScope{"x": "1"}, MapScope{"x": "2", "y": "3"}}
	v, ok := scope.Lookup("x")
	require.True(t, ok)
	require.Equal(t, "1", v.String())
	v, ok = scope.Lookup("y")
	require.True(t, ok)
	require.Equal(t, "3", v.String())
}

func TestStringRendering(t *testing.T) {
	e := MustParse("a > 1 && b == 'x'")
	require.Equal(t, `((a > 1) && (b == "x"))`, e.String())
}

func TestNonFiniteSpellingsCompareAsStrings(t *testing.T) {
	scope := MapScope{"reviewer": "Nan", "score": "nan", "limit": "Inf", "level": "Infinity"}
	cases := []struct {
		src  string
		want bool
	}{
		{`reviewer == "Nan"`, true},
		{`reviewer != "Nan"`, false},
		{"score >= 5", false},
		{"score < 5", false},
		{"score == 5", false},
		{`score == "nan"`, true},
		{"limit > 1000", false},
		{`limit == "Inf"`, true},
		{`level == "Infinity"`, true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Holds(MustParse(tc.src), scope), tc.src)
	}
}

func TestNonASCIIIdentifiers(t *testing.T) {
	scope := MapScope{"cantidad_año": "12", "región": "norte"}
	require.True(t, Holds(MustParse("cantidad_año > 10 && región == 'norte'"), scope))

	_, err := Parse("x > 1 ∧ y")
	var syntaxErr *SyntaxError
	require.ErrorAs(t, err, &syntaxErr)
	require.Equal(t, 6, syntaxErr.Pos)
}
