package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treesync/treesync/internal/dberr"
	"github.com/treesync/treesync/internal/tree"
)

func TestConstraintConflicts(t *testing.T) {
	p := &Params{}
	require.NoError(t, p.SetIndex(IndexKey, nil))
	err := p.SetIndex(IndexValue, nil)
	require.Error(t, err)
	assert.Equal(t, dberr.InvalidArgument, dberr.CodeOf(err))

	p = &Params{}
	require.NoError(t, p.SetStart(Bound{Value: "a", Inclusive: true}))
	assert.Error(t, p.SetStart(Bound{Value: "b", Inclusive: true}))
	assert.Error(t, p.SetEqual(Bound{Value: "c", Inclusive: true}))

	p = &Params{}
	require.NoError(t, p.SetEqual(Bound{Value: "c", Inclusive: true}))
	assert.Error(t, p.SetEnd(Bound{Value: "d", Inclusive: true}))

	p = &Params{}
	require.NoError(t, p.SetLimitFirst(3))
	assert.Error(t, p.SetLimitLast(2))
	assert.Error(t, (&Params{}).SetLimitFirst(0))
	assert.Error(t, (&Params{}).SetLimitLast(-1))
}

func TestCloneIsolation(t *testing.T) {
	p := &Params{}
	require.NoError(t, p.SetStart(Bound{Value: float64(1), Inclusive: true}))
	clone := p.Clone()
	require.NoError(t, clone.SetEnd(Bound{Value: float64(9), Inclusive: true}))
	// The original must not have picked up the end bound.
	assert.NoError(t, p.SetEnd(Bound{Value: float64(5), Inclusive: true}))
}

func TestRESTSerialization(t *testing.T) {
	p := &Params{}
	require.NoError(t, p.SetIndex(IndexChild, []string{"profile", "age"}))
	require.NoError(t, p.SetStart(Bound{Value: float64(18), Inclusive: true}))
	require.NoError(t, p.SetEnd(Bound{Value: float64(65), Key: "m", HasKey: true, Inclusive: false}))
	require.NoError(t, p.SetLimitFirst(10))

	params, err := p.REST()
	require.NoError(t, err)

	got := map[string]string{}
	for _, kv := range params {
		got[kv.Key] = kv.Value
	}
	assert.Equal(t, map[string]string{
		"orderBy":      `"profile/age"`,
		"startAt":      "18",
		"endBefore":    `65,"m"`,
		"limitToFirst": "10",
	}, got)
}

func TestRESTSerializationSpecialIndexes(t *testing.T) {
	for _, tc := range []struct {
		index Index
		want  string
	}{
		{IndexPriority, `"$priority"`},
		{IndexKey, `"$key"`},
		{IndexValue, `"$value"`},
	} {
		p := &Params{}
		require.NoError(t, p.SetIndex(tc.index, nil))
		params, err := p.REST()
		require.NoError(t, err)
		require.NotEmpty(t, params)
		assert.Equal(t, "orderBy", params[0].Key)
		assert.Equal(t, tc.want, params[0].Value)
	}
}

func TestDefaultSerializesToNothing(t *testing.T) {
	params, err := (&Params{}).REST()
	require.NoError(t, err)
	assert.Empty(t, params)

	var nilParams *Params
	assert.True(t, nilParams.IsDefault())
	assert.Equal(t, "{}", nilParams.Canonical())
}

func keys(children []Child) []string {
	out := make([]string, len(children))
	for i, c := range children {
		out[i] = c.Key
	}
	return out
}

func TestEvaluateOrderByValue(t *testing.T) {
	data := map[string]any{
		"a": float64(3),
		"b": float64(1),
		"c": "s",
		"d": true,
	}
	p := &Params{}
	require.NoError(t, p.SetIndex(IndexValue, nil))
	assert.Equal(t, []string{"d", "b", "a", "c"}, keys(p.Evaluate(data)))
}

func TestEvaluateOrderByChildWithBounds(t *testing.T) {
	data := map[string]any{
		"alice": map[string]any{"age": float64(30)},
		"bob":   map[string]any{"age": float64(17)},
		"carol": map[string]any{"age": float64(25)},
		"dan":   map[string]any{"age": float64(30)},
	}
	p := &Params{}
	require.NoError(t, p.SetIndex(IndexChild, []string{"age"}))
	require.NoError(t, p.SetStart(Bound{Value: float64(18), Inclusive: true}))
	assert.Equal(t, []string{"carol", "alice", "dan"}, keys(p.Evaluate(data)))
}

func TestEvaluateLimitToLastStaysAscending(t *testing.T) {
	data := map[string]any{
		"a": float64(1), "b": float64(2), "c": float64(3), "d": float64(4),
	}
	p := &Params{}
	require.NoError(t, p.SetIndex(IndexValue, nil))
	require.NoError(t, p.SetLimitLast(2))
	assert.Equal(t, []string{"c", "d"}, keys(p.Evaluate(data)))
}

func TestEvaluateKeyedBoundTie(t *testing.T) {
	data := map[string]any{
		"a": float64(1), "b": float64(1), "c": float64(1),
	}
	p := &Params{}
	require.NoError(t, p.SetIndex(IndexValue, nil))
	require.NoError(t, p.SetStart(Bound{Value: float64(1), Key: "b", HasKey: true, Inclusive: true}))
	assert.Equal(t, []string{"b", "c"}, keys(p.Evaluate(data)))
}

func TestEvaluateEqualTo(t *testing.T) {
	data := map[string]any{
		"a": float64(1), "b": float64(2), "c": float64(2), "d": float64(3),
	}
	p := &Params{}
	require.NoError(t, p.SetIndex(IndexValue, nil))
	require.NoError(t, p.SetEqual(Bound{Value: float64(2), Inclusive: true}))
	assert.Equal(t, []string{"b", "c"}, keys(p.Evaluate(data)))
}

func TestEvaluateOrderByKey(t *testing.T) {
	data := map[string]any{"10": "x", "2": "y", "a": "z"}
	p := &Params{}
	require.NoError(t, p.SetIndex(IndexKey, nil))
	assert.Equal(t, []string{"2", "10", "a"}, keys(p.Evaluate(data)))
}

func TestEvaluateOrderByPriority(t *testing.T) {
	data := map[string]any{
		"noPri": "v",
		"low":   tree.Pack("v", float64(1)),
		"high":  tree.Pack("v", float64(9)),
		"named": tree.Pack("v", "zz"),
	}
	p := &Params{}
	// Priority order: no priority first, then numeric, then string.
	assert.Equal(t, []string{"noPri", "low", "high", "named"}, keys(p.Evaluate(data)))
}

func TestEvaluateLeafYieldsNothing(t *testing.T) {
	p := &Params{}
	assert.Empty(t, p.Evaluate("scalar"))
	assert.Empty(t, p.Evaluate(nil))
}

func TestEvaluateSkipsPriorityKey(t *testing.T) {
	data := map[string]any{
		tree.PriorityKey: float64(3),
		"child":          "v",
	}
	assert.Equal(t, []string{"child"}, keys((&Params{}).Evaluate(data)))
}

func TestAssemble(t *testing.T) {
	children := []Child{{Key: "a", Value: float64(1)}, {Key: "b", Value: "x"}}
	assert.Equal(t, map[string]any{"a": float64(1), "b": "x"}, Assemble(children))
	assert.Nil(t, Assemble(nil))
}
