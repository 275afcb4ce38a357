package mailbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFetchLine(t *testing.T) {
	t.Run("SeqAndEnvelope", func(t *testing.T) {
		msg, ok := parseFetchLine(`* 12 FETCH (UID 4827 ENVELOPE ("Mon, 10 Mar 2026" "Hearing moved" "clerk@court.example"))`)
		require.True(t, ok)
		assert.Equal(t, uint64(12), msg.Seq)
		assert.Equal(t, "Hearing moved", msg.Subject)
		assert.Equal(t, "clerk@court.example", msg.Sender)
	})

	t.Run("NotAFetchLine", func(t *testing.T) {
		_, ok := parseFetchLine("* OK still here")
		assert.False(t, ok)
		_, ok = parseFetchLine("* 12 EXISTS")
		assert.False(t, ok)
		_, ok = parseFetchLine("a3 OK FETCH completed")
		assert.False(t, ok)
	})

	t.Run("BadSequence", func(t *testing.T) {
		_, ok := parseFetchLine("* abc FETCH (UID 1)")
		assert.False(t, ok)
	})
}

func TestExtractQuoted(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, extractQuoted(`x "a" y "b"`))
	assert.Nil(t, extractQuoted("no quotes"))
	assert.Nil(t, extractQuoted(`unterminated "abc`))
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"plain"`, quote("plain"))
	assert.Equal(t, `"with \"inner\""`, quote(`with "inner"`))
	assert.Equal(t, `"back\\slash"`, quote(`back\slash`))
}
