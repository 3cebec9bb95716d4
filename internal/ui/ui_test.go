package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPresenceTable(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Contains(t, PresenceTable(nil), "Nobody is online")
	})

	t.Run("lists participants", func(t *testing.T) {
		out := PresenceTable([]string{"alice", "bob"})
		assert.Contains(t, out, "Participant")
		assert.Contains(t, out, "alice")
		assert.Contains(t, out, "bob")
	})
}

func TestChatLine(t *testing.T) {
	assert.Contains(t, ChatLine("alice", true, "hi"), "hi")
	assert.Contains(t, ChatLine("bob", false, "hello"), "bob:")
}
