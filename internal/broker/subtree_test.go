package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type intSet map[int]struct{}

func (s intSet) Merge(other intSet) intSet {
	out := make(intSet, len(s)+len(other))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

func collect(t *SubTree[intSet], topic string) []int {
	return FindMap(t, topic, func(s intSet) []int {
		out := make([]int, 0, len(s))
		for k := range s {
			out = append(out, k)
		}
		return out
	})
}

func TestSubTreeExactMatch(t *testing.T) {
	tree := NewSubTree[intSet]()
	tree.Add("a/b/c", intSet{1: {}})

	assert.ElementsMatch(t, []int{1}, collect(tree, "a/b/c"))
	assert.Empty(t, collect(tree, "a/b"))
	assert.Empty(t, collect(tree, "a/b/c/d"))
}

func TestSubTreePlusWildcard(t *testing.T) {
	tree := NewSubTree[intSet]()
	tree.Add("a/+/c", intSet{1: {}})

	assert.ElementsMatch(t, []int{1}, collect(tree, "a/x/c"))
	assert.ElementsMatch(t, []int{1}, collect(tree, "a/y/c"))
	assert.Empty(t, collect(tree, "a/x/y/c"))
}

func TestSubTreeHashWildcardMatchesZeroOrMoreLevels(t *testing.T) {
	tree := NewSubTree[intSet]()
	tree.Add("a/#", intSet{1: {}})

	assert.ElementsMatch(t, []int{1}, collect(tree, "a"))
	assert.ElementsMatch(t, []int{1}, collect(tree, "a/b"))
	assert.ElementsMatch(t, []int{1}, collect(tree, "a/b/c"))
	assert.Empty(t, collect(tree, "x"))
}

func TestSubTreeRootHashMatchesEmptyTopic(t *testing.T) {
	tree := NewSubTree[intSet]()
	tree.Add("#", intSet{1: {}})

	assert.ElementsMatch(t, []int{1}, collect(tree, ""))
	assert.ElementsMatch(t, []int{1}, collect(tree, "anything/goes"))
}

func TestSubTreePlusDoesNotMatchEmptyTopic(t *testing.T) {
	tree := NewSubTree[intSet]()
	tree.Add("+", intSet{1: {}})

	assert.Empty(t, collect(tree, ""))
	assert.ElementsMatch(t, []int{1}, collect(tree, "a"))
}

func TestSubTreeMergeAtSameFilter(t *testing.T) {
	tree := NewSubTree[intSet]()
	tree.Add("a/b", intSet{1: {}})
	tree.Add("a/b", intSet{2: {}})

	assert.ElementsMatch(t, []int{1, 2}, collect(tree, "a/b"))
}

func TestSubTreeModify(t *testing.T) {
	tree := NewSubTree[intSet]()
	tree.Add("a/b", intSet{1: {}, 2: {}})

	tree.Modify("a/b", func(s intSet) intSet {
		out := make(intSet)
		for k := range s {
			if k != 1 {
				out[k] = struct{}{}
			}
		}
		return out
	})

	assert.ElementsMatch(t, []int{2}, collect(tree, "a/b"))
}

func TestSubTreeRemovePrunesEmptyNodes(t *testing.T) {
	tree := NewSubTree[intSet]()
	tree.Add("a/b/c", intSet{1: {}})
	tree.Remove("a/b/c")

	require.Empty(t, collect(tree, "a/b/c"))
	// root should be fully pruned back, re-adding should work cleanly
	tree.Add("a/b/c", intSet{2: {}})
	assert.ElementsMatch(t, []int{2}, collect(tree, "a/b/c"))
}

func TestSubTreeRemoveHashFilter(t *testing.T) {
	tree := NewSubTree[intSet]()
	tree.Add("a/#", intSet{1: {}})
	tree.Remove("a/#")

	assert.Empty(t, collect(tree, "a/b"))
}
