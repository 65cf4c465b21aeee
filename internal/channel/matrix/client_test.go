package matrix

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/id"
)

func TestSplitMessagePrefersLineBreaks(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	chunks := splitMessage(s, 10)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, chunks)
}

func TestSplitMessageHardCut(t *testing.T) {
	chunks := splitMessage(strings.Repeat("x", 25), 10)
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, chunks)
}

func TestSplitMessageKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("é", 8) // 16 bytes
	chunks := splitMessage(s, 5)
	for _, c := range chunks {
		assert.True(t, len(c) <= 5)
		assert.Equal(t, strings.Repeat("é", len(c)/2), c)
	}
	assert.Equal(t, s, strings.Join(chunks, ""))
}

func TestSplitMessageShort(t *testing.T) {
	assert.Equal(t, []string{"hi"}, splitMessage("hi", 10))
	assert.Empty(t, splitMessage("", 10))
}

func TestAllowList(t *testing.T) {
	open := New(Config{AllowedUsers: []string{""}})
	assert.True(t, open.isAllowed(id.UserID("@anyone:example.com")))

	closed := New(Config{AllowedUsers: []string{"@alice:example.com", " @bob:example.com "}})
	assert.True(t, closed.isAllowed(id.UserID("@alice:example.com")))
	assert.True(t, closed.isAllowed(id.UserID("@bob:example.com")))
	assert.False(t, closed.isAllowed(id.UserID("@mallory:example.com")))
}

func TestFullUserID(t *testing.T) {
	c := New(Config{UserID: "huddle", ServerName: "matrix.example.com"})
	assert.Equal(t, "@huddle:matrix.example.com", c.FullUserID())
}
