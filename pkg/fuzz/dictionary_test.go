package fuzz

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDictionary() *Dictionary {
	return NewDictionary(rand.New(rand.NewSource(11)))
}

func TestDictionaryDefaults(t *testing.T) {
	d := newTestDictionary()
	assert.NotEmpty(t, d.Tokens())
}

func TestDictionaryAddTokenDeduplicates(t *testing.T) {
	d := newTestDictionary()
	before := len(d.Tokens())

	d.AddToken([]byte("custom_token"))
	assert.Len(t, d.Tokens(), before+1)
	d.AddToken([]byte("custom_token"))
	assert.Len(t, d.Tokens(), before+1)
	d.AddToken(nil)
	assert.Len(t, d.Tokens(), before+1)
}

func TestDictionaryGetRandomTokens(t *testing.T) {
	d := newTestDictionary()

	tokens := d.GetRandomTokens(2)
	assert.Len(t, tokens, 2)
	assert.NotEqual(t, tokens[0], tokens[1])

	all := d.GetRandomTokens(1000)
	assert.Len(t, all, len(d.Tokens()))
	assert.Nil(t, d.GetRandomTokens(0))
}

func TestDictionaryInjectTokens(t *testing.T) {
	d := newTestDictionary()

	input := []byte("test input")
	injected := d.InjectTokens(input)
	require.NotEqual(t, input, injected)
	assert.Greater(t, len(injected), len(input))

	// One of the known tokens must appear in the variant.
	found := false
	for _, token := range d.Tokens() {
		if bytes.Contains(injected, token) {
			found = true
			break
		}
	}
	assert.True(t, found)

	// Injecting into an empty input prepends a token.
	assert.NotEmpty(t, d.InjectTokens(nil))
}

func TestDictionaryPreview(t *testing.T) {
	d := newTestDictionary()

	preview := d.Preview(8)
	require.Len(t, preview, 8)
	assert.Equal(t, "MZ", preview[0])
	// Binary tokens fall back to hex.
	assert.Contains(t, preview, "00000000")
}
