package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallVocab() Vocab {
	tokens := []string{"<unk>", "<s>", "</s>", "h", "e", "l", "o", "he", "ll", "hell", "hello"}
	merges := []string{"h e", "l l", "he ll", "hell o"}
	return Vocab{
		Tokens:    tokens,
		TokenType: make([]int32, len(tokens)),
		Merges:    merges,
		BOSID:     1,
		EOSID:     2,
		UnknownID: 0,
		AddBOS:    true,
	}
}

func TestEncodeMergesToWholeWord(t *testing.T) {
	tok, err := New(smallVocab())
	require.NoError(t, err)

	ids, err := tok.Encode("hello", false)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, int32(10), ids[0])
}

func TestEncodeAddsBOS(t *testing.T) {
	tok, err := New(smallVocab())
	require.NoError(t, err)

	ids, err := tok.Encode("hello", true)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(ids), 1)
	assert.Equal(t, int32(1), ids[0])
}

func TestDecodeRoundTrip(t *testing.T) {
	tok, err := New(smallVocab())
	require.NoError(t, err)

	ids, err := tok.Encode("hello", false)
	require.NoError(t, err)

	out, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestVocabSizeAndEOS(t *testing.T) {
	tok, err := New(smallVocab())
	require.NoError(t, err)
	assert.Equal(t, 11, tok.VocabSize())
	assert.Equal(t, int32(2), tok.EOSTokenID())
}

func TestApplyChatTemplateIdentityPassthrough(t *testing.T) {
	tok, err := New(smallVocab())
	require.NoError(t, err)

	out := tok.ApplyChatTemplate([]Turn{{Role: "user", Content: "hi"}})
	assert.Equal(t, "user: hi\n", out)
}

func TestNewRejectsEmptyVocab(t *testing.T) {
	_, err := New(Vocab{})
	assert.Error(t, err)
}
