// Package tokenizer builds a byte-level BPE tokenizer directly from a
// model's GGUF metadata — no external vocabulary file is ever read. The
// merge algorithm and byte-level encoding follow the GPT-2 scheme: bytes
// are remapped to runes (non-printable ones to code points from U+0100 up)
// so every byte has a printable single-rune representation, then BPE merges are applied
// lowest-rank-first until no adjacent pair has a registered merge rank.
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
)

// Tokenizer is the contract every architecture-specific model binds to: it
// maps between raw text and the integer vocabulary the transformer was
// trained on, without knowledge of any particular architecture's forward
// pass.
type Tokenizer interface {
	Encode(text string, addSpecial bool) ([]int32, error)
	Decode(ids []int32) (string, error)
	VocabSize() int
	EOSTokenID() int32
	BOSTokenID() int32
	// ApplyChatTemplate renders a sequence of role/content turns into the
	// flat prompt string the model expects. Architectures that ship no
	// template get an identity pass-through: each turn becomes a
	// "role: content" line ending in a newline.
	ApplyChatTemplate(turns []Turn) string
}

// Turn is one message in a chat-style prompt.
type Turn struct {
	Role    string
	Content string
}

// TokenType mirrors tokenizer.ggml.token_type: 1=normal, 2=unknown,
// 3=control, 4=user-defined, 5=unused, 6=byte.
type TokenType int32

const (
	TokenNormal  TokenType = 1
	TokenUnknown TokenType = 2
	TokenControl TokenType = 3
	TokenUser    TokenType = 4
	TokenUnused  TokenType = 5
	TokenByte    TokenType = 6
)

// Vocab is the raw vocabulary data read out of GGUF metadata.
type Vocab struct {
	Tokens    []string
	Scores    []float32
	TokenType []int32
	Merges    []string
	BOSID     int32
	EOSID     int32
	UnknownID int32
	AddBOS    bool
	AddEOS    bool
}

// bpeTokenizer is the concrete byte-level BPE implementation used by every
// dense and MoE architecture this engine supports; none of them ship a
// tokenizer algorithm other than byte-level BPE in GGUF metadata.
type bpeTokenizer struct {
	tokenToID map[string]int32
	idToToken []string
	mergeRank map[string]int
	tokenType []int32
	bosID     int32
	eosID     int32
	unkID     int32
	addBOS    bool
	addEOS    bool
	pretok    *regexp2.Regexp
	byteEnc   [256]rune
	byteDec   map[rune]byte
}

// gpt2SplitPattern is the canonical GPT-2 pretokenization regex: it splits
// text into contraction suffixes, runs of letters, runs of digits, runs of
// other symbols, and whitespace, each becoming its own BPE input chunk.
const gpt2SplitPattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// New builds a Tokenizer from vocabulary data extracted from a model's
// GGUF metadata.
func New(v Vocab) (Tokenizer, error) {
	if len(v.Tokens) == 0 {
		return nil, fmt.Errorf("tokenizer: empty vocabulary")
	}

	pretok, err := regexp2.Compile(gpt2SplitPattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: compile pretokenizer: %w", err)
	}

	t := &bpeTokenizer{
		tokenToID: make(map[string]int32, len(v.Tokens)),
		idToToken: v.Tokens,
		mergeRank: make(map[string]int, len(v.Merges)),
		tokenType: v.TokenType,
		bosID:     v.BOSID,
		eosID:     v.EOSID,
		unkID:     v.UnknownID,
		addBOS:    v.AddBOS,
		addEOS:    v.AddEOS,
		pretok:    pretok,
		byteDec:   make(map[rune]byte, 256),
	}
	for i, tok := range v.Tokens {
		t.tokenToID[tok] = int32(i)
	}
	for i, m := range v.Merges {
		t.mergeRank[m] = i
	}
	buildByteMap(&t.byteEnc, t.byteDec)
	return t, nil
}

// buildByteMap constructs the GPT-2 byte<->rune table: printable
// Latin-1/ASCII bytes map to themselves, the rest are pushed to consecutive
// code points starting at 256 (U+0100) so every byte has a distinct, always
// printable rune.
func buildByteMap(enc *[256]rune, dec map[rune]byte) {
	printable := map[int]bool{}
	for i := '!'; i <= '~'; i++ {
		printable[int(i)] = true
	}
	for i := '¡'; i <= '¬'; i++ {
		printable[int(i)] = true
	}
	for i := '®'; i <= 'ÿ'; i++ {
		printable[int(i)] = true
	}

	n := rune(0)
	for b := 0; b < 256; b++ {
		if printable[b] {
			enc[b] = rune(b)
		} else {
			enc[b] = 256 + n
			n++
		}
		dec[enc[b]] = byte(b)
	}
}

func (t *bpeTokenizer) VocabSize() int    { return len(t.idToToken) }
func (t *bpeTokenizer) EOSTokenID() int32 { return t.eosID }
func (t *bpeTokenizer) BOSTokenID() int32 { return t.bosID }

func (t *bpeTokenizer) Encode(text string, addSpecial bool) ([]int32, error) {
	var ids []int32
	if addSpecial && t.addBOS {
		ids = append(ids, t.bosID)
	}

	m, err := t.pretok.FindStringMatch(text)
	for m != nil {
		if err != nil {
			return nil, fmt.Errorf("tokenizer: pretokenize: %w", err)
		}
		ids = t.encodeChunk(m.String(), ids)
		m, err = t.pretok.FindNextMatch(m)
	}
	if err != nil {
		return nil, fmt.Errorf("tokenizer: pretokenize: %w", err)
	}

	if addSpecial && t.addEOS {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

// encodeChunk byte-encodes one pretokenized chunk and runs BPE merges
// against it, falling back to single-byte tokens for anything the merge
// table doesn't resolve.
func (t *bpeTokenizer) encodeChunk(chunk string, ids []int32) []int32 {
	if chunk == "" {
		return ids
	}

	var sb strings.Builder
	sb.Grow(len(chunk) * 2)
	for i := 0; i < len(chunk); i++ {
		sb.WriteRune(t.byteEnc[chunk[i]])
	}
	encoded := sb.String()

	if id, ok := t.tokenToID[encoded]; ok {
		return append(ids, id)
	}
	return t.mergeBPE(encoded, ids)
}

func (t *bpeTokenizer) mergeBPE(encoded string, ids []int32) []int32 {
	runes := []rune(encoded)
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = string(r)
	}

	for len(parts) > 1 {
		minRank := int(^uint(0) >> 1)
		minIdx := -1
		for i := 0; i < len(parts)-1; i++ {
			if rank, ok := t.mergeRank[parts[i]+" "+parts[i+1]]; ok && rank < minRank {
				minRank = rank
				minIdx = i
			}
		}
		if minIdx < 0 {
			break
		}
		parts[minIdx] += parts[minIdx+1]
		parts = append(parts[:minIdx+1], parts[minIdx+2:]...)
	}

	for _, part := range parts {
		if id, ok := t.tokenToID[part]; ok {
			ids = append(ids, id)
			continue
		}
		for _, r := range part {
			if id, ok := t.tokenToID[string(r)]; ok {
				ids = append(ids, id)
				continue
			}
			ids = append(ids, t.unkID)
		}
	}
	return ids
}

func (t *bpeTokenizer) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || int(id) >= len(t.idToToken) {
			return "", fmt.Errorf("tokenizer: token id %d out of range", id)
		}
		tok := t.idToToken[id]
		for _, r := range tok {
			if b, ok := t.byteDec[r]; ok {
				sb.WriteByte(b)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	return sb.String(), nil
}

// ApplyChatTemplate is an identity pass-through: turns are concatenated as
// "role: content" lines. Architectures that ship a Jinja chat_template in
// metadata are expected to render it upstream of this call; no template
// engine is bundled here.
func (t *bpeTokenizer) ApplyChatTemplate(turns []Turn) string {
	var sb strings.Builder
	for _, turn := range turns {
		sb.WriteString(turn.Role)
		sb.WriteString(": ")
		sb.WriteString(turn.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
