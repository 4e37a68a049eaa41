package config

import (
	"fmt"

	"github.com/llmlocal/engine/container"
)

// HyperParams holds the architecture-independent dimensions every forward
// pass needs, read out of a model's general/*.* and <arch>.*.* metadata
// keys. Architecture-specific extras (MLA's compressed dimensions, MoE's
// expert counts) live on the architecture's own config struct, which
// embeds HyperParams.
type HyperParams struct {
	Architecture    string
	BlockCount      int
	EmbeddingLength int
	FeedForwardLen  int
	HeadCount       int
	HeadCountKV     int
	ContextLength   int
	RopeFreqBase    float32
	RopeDimCount    int
	LayerNormEps    float32
	VocabSize       int

	// RopeType is the rotary pairing convention this architecture uses.
	// ggml itself derives this per architecture rather than reading it out
	// of GGUF metadata (llama_model_rope_type switches on the model's
	// arch enum); RopeTypeForArch is this module's equivalent dispatch.
	RopeType RopeType

	// YaRN long-context scaling. RopeScale <= 1 disables YaRN entirely
	// (ropeFrequency falls back to the plain theta); RopeOrigContext is
	// the context length the model was trained at before stretching.
	// RopeScale and RopeOrigContext default to metadata, RopeBetaFast and
	// RopeBetaSlow to ggml's own defaults when the metadata is absent.
	RopeScale       float32
	RopeOrigContext int
	RopeBetaFast    float32
	RopeBetaSlow    float32

	// LogitScale multiplies final output logits before sampling; 1 is a
	// no-op. FinalLogitSoftcap tanh-softcaps them afterward; 0 disables
	// softcapping.
	LogitScale        float32
	FinalLogitSoftcap float32
}

// RopeType enumerates ggml's rotary-embedding pairing styles.
type RopeType int

const (
	// RopeTypeNeoX rotates each head's first and second halves against
	// each other (split-half pairing): every architecture this module
	// binds uses this convention, matching HF's rotate_half weight
	// layout (see model/models/gemma3n's rope.WithTypeNeoX()).
	RopeTypeNeoX RopeType = iota
	// RopeTypeNormal rotates adjacent coordinate pairs (the original
	// RoFormer/GPT-2 convention). No architecture bound by this module
	// needs it yet, but RopeTypeForArch keeps the dispatch exhaustive so
	// a future GPT-2-style architecture has somewhere to plug in.
	RopeTypeNormal
)

// RopeTypeForArch returns the rotary pairing style general.architecture
// requires. Real GGUF files carry no generic metadata key for this: ggml
// resolves it from the architecture enum (llama_model_rope_type), so this
// is a Go port of that same per-architecture switch rather than a
// metadata read.
func RopeTypeForArch(arch string) RopeType {
	switch arch {
	case "llama", "qwen2", "deepseek2", "glm4moe", "gptoss":
		return RopeTypeNeoX
	default:
		return RopeTypeNeoX
	}
}

// metaInt and metaFloat narrow container.File's int64/float64 metadata
// accessors to the int/float32 widths every hyperparameter struct uses.
func metaInt(f *container.File, key string, def int) int {
	return int(f.MetadataGetInt(key, int64(def)))
}

func metaFloat32(f *container.File, key string, def float32) float32 {
	return float32(f.MetadataGetFloat(key, float64(def)))
}

func readHyperParams(f *container.File, arch string) HyperParams {
	key := func(suffix string) string { return arch + "." + suffix }
	return HyperParams{
		Architecture:    arch,
		BlockCount:      metaInt(f, key("block_count"), 0),
		EmbeddingLength: metaInt(f, key("embedding_length"), 0),
		FeedForwardLen:  metaInt(f, key("feed_forward_length"), 0),
		HeadCount:       metaInt(f, key("attention.head_count"), 0),
		HeadCountKV:     metaInt(f, key("attention.head_count_kv"), 0),
		ContextLength:   metaInt(f, key("context_length"), 0),
		RopeFreqBase:    metaFloat32(f, key("rope.freq_base"), 10000),
		RopeDimCount:    metaInt(f, key("rope.dimension_count"), 0),
		LayerNormEps:    metaFloat32(f, key("attention.layer_norm_rms_epsilon"), 1e-5),
		VocabSize:       metaInt(f, key("vocab_size"), 0),

		RopeType:        RopeTypeForArch(arch),
		RopeScale:       metaFloat32(f, key("rope.scaling.factor"), 1),
		RopeOrigContext: metaInt(f, key("rope.scaling.original_context_length"), 0),
		// ggml's own RoPE op defaults these two when the metadata is
		// absent (see ml/backend/ggml's tensor_nn.go cmp.Or chain).
		RopeBetaFast: metaFloat32(f, key("rope.scaling.beta_fast"), 32),
		RopeBetaSlow: metaFloat32(f, key("rope.scaling.beta_slow"), 1),

		LogitScale:        metaFloat32(f, key("logit_scale"), 1),
		FinalLogitSoftcap: metaFloat32(f, key("final_logit_softcap"), 0),
	}
}

// Architecture reads general.architecture out of f's metadata.
func Architecture(f *container.File) (string, error) {
	arch := f.MetadataGetString("general.architecture", "")
	if arch == "" {
		return "", fmt.Errorf("config: general.architecture missing from metadata")
	}
	return arch, nil
}
