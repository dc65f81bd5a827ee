package conf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTreeFirstAndAll(t *testing.T) {
	tree := NewTree()
	tree.Add("Address", "10.0.0.1 1000")
	tree.Add("Address", "10.0.0.2")
	tree.Add("Port", "656")

	v, ok := tree.Get("Address")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1 1000", v)

	require.Equal(t, []string{"10.0.0.1 1000", "10.0.0.2"}, tree.Values("Address"))

	_, ok = tree.Get("BindToInterface")
	require.False(t, ok)
	require.Empty(t, tree.Values("ConnectTo"))
}

func TestTreeCaseInsensitiveKeys(t *testing.T) {
	tree := NewTree()
	tree.Add("BindToAddress", "192.0.2.1")

	v, ok := tree.Get("bindtoaddress")
	require.True(t, ok)
	require.Equal(t, "192.0.2.1", v)
}

func TestCheckID(t *testing.T) {
	valid := []string{"alpha", "node_1", "A9", "_x"}
	for _, name := range valid {
		require.True(t, CheckID(name), name)
	}

	invalid := []string{"", "bad name", "host.example", "néo", "a-b", "a/b"}
	for _, name := range invalid {
		require.False(t, CheckID(name), name)
	}
}
