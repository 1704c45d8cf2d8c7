package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCallArgs(t *testing.T) {
	got := callArgs([]string{"42", `{"a":1}`, "hello", `"quoted"`, "true"})
	require.Equal(t, []any{float64(42), map[string]any{"a": float64(1)}, "hello", "quoted", true}, got)
	require.Empty(t, callArgs(nil))
}
