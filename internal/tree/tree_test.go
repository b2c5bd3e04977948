package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"/", nil},
		{"a", []string{"a"}},
		{"/a/b/", []string{"a", "b"}},
		{"users/alice/name", []string{"users", "alice", "name"}},
	}
	for _, tc := range cases {
		got, err := ParsePath(tc.in)
		require.NoError(t, err, "path %q", tc.in)
		assert.Equal(t, tc.want, got, "path %q", tc.in)
	}

	_, err := ParsePath("a//b")
	require.Error(t, err)
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "/", JoinPath(nil))
	assert.Equal(t, "/a/b", JoinPath([]string{"a", "b"}))
}

func TestCompareKeys(t *testing.T) {
	assert.Negative(t, CompareKeys("2", "10"))
	assert.Negative(t, CompareKeys("10", "a"))
	assert.Positive(t, CompareKeys("b", "a"))
	assert.Zero(t, CompareKeys("7", "7"))
	// "07" is not canonical, so it compares as a string.
	assert.Positive(t, CompareKeys("07", "10"))
}

func TestSetAndGet(t *testing.T) {
	var root any
	root = Set(root, []string{"users", "alice", "age"}, float64(30))
	root = Set(root, []string{"users", "bob"}, "hi")

	assert.Equal(t, float64(30), Get(root, []string{"users", "alice", "age"}))
	assert.Equal(t, "hi", Get(root, []string{"users", "bob"}))
	assert.Nil(t, Get(root, []string{"users", "carol"}))
}

func TestSetNilDeletesAndPrunes(t *testing.T) {
	var root any
	root = Set(root, []string{"a", "b", "c"}, 1)
	root = Set(root, []string{"a", "b", "c"}, nil)
	assert.Nil(t, root, "deleting the only leaf should prune all ancestors")
}

func TestSetAtRootReplaces(t *testing.T) {
	root := Set(nil, nil, map[string]any{"x": float64(1)})
	assert.Equal(t, map[string]any{"x": float64(1)}, root)
	assert.Nil(t, Set(root, nil, nil))
}

func TestGetDescendsEnvelope(t *testing.T) {
	root := map[string]any{
		"score": Pack(float64(10), float64(2)),
	}
	assert.Equal(t, Pack(float64(10), float64(2)), Get(root, []string{"score"}))
	assert.Equal(t, float64(10), Data(Get(root, []string{"score"})))
	assert.Equal(t, float64(2), Priority(Get(root, []string{"score"})))
}

func TestGetArrayIndex(t *testing.T) {
	root := map[string]any{"list": []any{"a", "b"}}
	assert.Equal(t, "b", Get(root, []string{"list", "1"}))
	assert.Nil(t, Get(root, []string{"list", "5"}))
	assert.Nil(t, Get(root, []string{"list", "x"}))
}

func TestPlain(t *testing.T) {
	root := map[string]any{
		"leaf": Pack("v", float64(1)),
		"obj": map[string]any{
			PriorityKey: float64(2),
			"child":     "c",
		},
	}
	assert.Equal(t, map[string]any{
		"leaf": "v",
		"obj":  map[string]any{"child": "c"},
	}, Plain(root))
}

func TestSetPriorityAt(t *testing.T) {
	var root any
	root = Set(root, []string{"leaf"}, "v")
	root = Set(root, []string{"obj", "a"}, float64(1))

	root = SetPriorityAt(root, []string{"leaf"}, float64(5))
	assert.Equal(t, float64(5), Priority(Get(root, []string{"leaf"})))
	assert.Equal(t, "v", Data(Get(root, []string{"leaf"})))

	root = SetPriorityAt(root, []string{"obj"}, "p")
	assert.Equal(t, "p", Priority(Get(root, []string{"obj"})))
	assert.Equal(t, float64(1), Get(root, []string{"obj", "a"}))

	// Clearing the priority restores the bare value.
	root = SetPriorityAt(root, []string{"leaf"}, nil)
	assert.Equal(t, "v", Get(root, []string{"leaf"}))

	// No value, no-op.
	assert.Equal(t, root, SetPriorityAt(root, []string{"missing"}, float64(1)))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(int64(3), float64(3)))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal("3", float64(3)))
	assert.True(t, Equal(
		map[string]any{"a": []any{float64(1), "x"}},
		map[string]any{"a": []any{1, "x"}},
	))
	assert.False(t, Equal(map[string]any{"a": 1}, map[string]any{"a": 1, "b": 2}))
}

func TestCompareValues(t *testing.T) {
	// null < false < true < numbers < strings < containers.
	ordered := []any{nil, false, true, float64(-1), float64(10), "a", "b", map[string]any{}}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Negative(t, CompareValues(ordered[i], ordered[i+1]),
			"expected %v < %v", ordered[i], ordered[i+1])
	}
	assert.Zero(t, CompareValues(map[string]any{"a": 1}, []any{}))
}

func TestValidatePriority(t *testing.T) {
	assert.NoError(t, ValidatePriority(nil))
	assert.NoError(t, ValidatePriority(float64(1)))
	assert.NoError(t, ValidatePriority("p"))
	assert.Error(t, ValidatePriority(true))
	assert.Error(t, ValidatePriority(map[string]any{}))
}

func TestContainsServerValue(t *testing.T) {
	assert.True(t, ContainsServerValue(map[string]any{ServerValueKey: "timestamp"}))
	assert.True(t, ContainsServerValue(map[string]any{
		"nested": []any{map[string]any{ServerValueKey: "timestamp"}},
	}))
	assert.False(t, ContainsServerValue(map[string]any{"a": 1}))
	assert.False(t, ContainsServerValue("x"))
}

func TestResolveServerValues(t *testing.T) {
	value := map[string]any{
		"at":    map[string]any{ServerValueKey: "timestamp"},
		"count": map[string]any{ServerValueKey: map[string]any{"increment": float64(2)}},
		"plain": "v",
	}
	current := map[string]any{"count": float64(40)}

	resolved, err := ResolveServerValues(value, current, 12345)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"at":    int64(12345),
		"count": float64(42),
		"plain": "v",
	}, resolved)
}

func TestResolveIncrementMissingBase(t *testing.T) {
	value := map[string]any{ServerValueKey: map[string]any{"increment": float64(3)}}
	resolved, err := ResolveServerValues(value, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, float64(3), resolved)

	// Non-numeric base counts as zero.
	resolved, err = ResolveServerValues(value, "text", 0)
	require.NoError(t, err)
	assert.Equal(t, float64(3), resolved)
}

func TestResolveUnknownPlaceholder(t *testing.T) {
	_, err := ResolveServerValues(map[string]any{ServerValueKey: "moonphase"}, nil, 0)
	require.Error(t, err)
}
