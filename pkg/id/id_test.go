package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewObjectID(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 1000; i++ {
		objectID := NewObjectID()
		require.Len(t, objectID, objectIDLength)
		for _, c := range objectID {
			require.Contains(t, objectIDAlphabet, string(c))
		}
		_, dup := seen[objectID]
		require.False(t, dup, "object id collision: %s", objectID)
		seen[objectID] = struct{}{}
	}
}

func TestNewSessionToken(t *testing.T) {
	token := NewSessionToken()
	require.True(t, strings.HasPrefix(token, "r:"))
	require.NotEqual(t, token, NewSessionToken())
}

func TestNewRequestID(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	require.Len(t, a, 26)
	require.NotEqual(t, a, b)
}
