package config

import (
	"fmt"

	"github.com/llmlocal/engine/container"
	"github.com/llmlocal/engine/tokenizer"
)

// LoadVocab builds a tokenizer.Vocab from a model's tokenizer.ggml.* metadata
// keys. Every architecture this engine binds ships its vocabulary this way;
// none carries an external tokenizer file.
func LoadVocab(f *container.File) (tokenizer.Vocab, error) {
	tokens, ok := f.MetadataGetStringArray("tokenizer.ggml.tokens")
	if !ok || len(tokens) == 0 {
		return tokenizer.Vocab{}, fmt.Errorf("config: tokenizer.ggml.tokens missing or empty")
	}

	v := tokenizer.Vocab{
		Tokens:    tokens,
		BOSID:     int32(metaInt(f, "tokenizer.ggml.bos_token_id", 1)),
		EOSID:     int32(metaInt(f, "tokenizer.ggml.eos_token_id", 2)),
		UnknownID: int32(metaInt(f, "tokenizer.ggml.unknown_token_id", 0)),
		AddBOS:    f.MetadataGetBool("tokenizer.ggml.add_bos_token", true),
		AddEOS:    f.MetadataGetBool("tokenizer.ggml.add_eos_token", false),
	}

	if scores, ok := f.MetadataGetFloat32Array("tokenizer.ggml.scores"); ok {
		v.Scores = scores
	}

	if types, ok := f.MetadataGetUint32Array("tokenizer.ggml.token_type"); ok {
		v.TokenType = make([]int32, len(types))
		for i, t := range types {
			v.TokenType[i] = int32(t)
		}
	}

	if merges, ok := f.MetadataGetStringArray("tokenizer.ggml.merges"); ok {
		v.Merges = merges
	}

	return v, nil
}
