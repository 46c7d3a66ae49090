package fuzz

import (
	"bytes"
	"encoding/hex"
	"math/rand"
)

// defaultTokens are magic values and markers that tend to flip parser
// and VM dispatch decisions in opaque binary targets.
var defaultTokens = [][]byte{
	[]byte("MZ"),
	[]byte("\x7fELF"),
	[]byte("PK\x03\x04"),
	{0x00, 0x00, 0x00, 0x00},
	{0xFF, 0xFF, 0xFF, 0xFF},
	{0xDE, 0xAD, 0xBE, 0xEF},
	{0x41, 0x41, 0x41, 0x41},
	[]byte("%s%s%s%s"),
	[]byte("../../"),
	[]byte("0"),
	[]byte("-1"),
	[]byte("4294967295"),
}

// Dictionary owns an ordered, mutable list of token byte sequences used
// to enrich candidate inputs.
type Dictionary struct {
	tokens [][]byte
	rng    *rand.Rand
}

// NewDictionary creates a dictionary seeded with the default tokens.
func NewDictionary(rng *rand.Rand) *Dictionary {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	tokens := make([][]byte, len(defaultTokens))
	for i, tok := range defaultTokens {
		tokens[i] = append([]byte(nil), tok...)
	}
	return &Dictionary{tokens: tokens, rng: rng}
}

// AddToken appends a token unless an equal one is already present.
func (d *Dictionary) AddToken(token []byte) {
	if len(token) == 0 {
		return
	}
	for _, existing := range d.tokens {
		if bytes.Equal(existing, token) {
			return
		}
	}
	d.tokens = append(d.tokens, append([]byte(nil), token...))
}

// Tokens returns the token list in order.
func (d *Dictionary) Tokens() [][]byte {
	return d.tokens
}

// GetRandomTokens returns up to k distinct tokens in random order.
func (d *Dictionary) GetRandomTokens(k int) [][]byte {
	if k <= 0 || len(d.tokens) == 0 {
		return nil
	}
	if k > len(d.tokens) {
		k = len(d.tokens)
	}
	picked := d.rng.Perm(len(d.tokens))[:k]
	out := make([][]byte, 0, k)
	for _, idx := range picked {
		out = append(out, d.tokens[idx])
	}
	return out
}

// InjectTokens returns a variant of input with one token inserted at a
// random position. A result equal to the input signals that no injection
// was performed (empty dictionary).
func (d *Dictionary) InjectTokens(input []byte) []byte {
	if len(d.tokens) == 0 {
		return input
	}
	token := d.tokens[d.rng.Intn(len(d.tokens))]
	pos := 0
	if len(input) > 0 {
		pos = d.rng.Intn(len(input) + 1)
	}
	out := make([]byte, 0, len(input)+len(token))
	out = append(out, input[:pos]...)
	out = append(out, token...)
	out = append(out, input[pos:]...)
	return out
}

// Preview returns up to n tokens rendered for display: printable ASCII
// tokens as-is, everything else hex-encoded.
func (d *Dictionary) Preview(n int) []string {
	if n <= 0 || n > len(d.tokens) {
		n = len(d.tokens)
	}
	preview := make([]string, 0, n)
	for _, token := range d.tokens[:n] {
		if isPrintableASCII(token) {
			preview = append(preview, string(token))
		} else {
			preview = append(preview, hex.EncodeToString(token))
		}
	}
	return preview
}

func isPrintableASCII(data []byte) bool {
	for _, b := range data {
		if b < 0x20 || b > 0x7E {
			return false
		}
	}
	return len(data) > 0
}
