package config

import (
	"errors"
	"fmt"

	"github.com/llmlocal/engine/container"
)

// ErrUnsupportedArchitecture is returned by Load when general.architecture
// names a model family this module has no weight-layout binding for.
var ErrUnsupportedArchitecture = errors.New("config: unsupported architecture")

// DenseLayer is one transformer block of a plain GQA (grouped-query
// attention) architecture: llama, qwen2, and their close relatives all
// share this shape.
type DenseLayer struct {
	AttnNorm *Tensor `gguf:"attn_norm"`

	// AttnQKV is a merged QKV projection some checkpoints carry instead
	// of three separate ones (grounded on fs/ggml/ggml_graph.go's
	// "attn_qkv.bias" layer key); when present it takes priority over
	// AttnQ/AttnK/AttnV, which projectQKV then ignores.
	AttnQKV *Tensor `gguf:"attn_qkv"`
	AttnQ   *Tensor `gguf:"attn_q"`
	AttnK   *Tensor `gguf:"attn_k"`
	AttnV   *Tensor `gguf:"attn_v"`
	AttnOut *Tensor `gguf:"attn_output"`

	// Optional QKV biases and per-head Q/K RMSNorm, both absent on plain
	// llama/qwen2 checkpoints but present on Qwen3-family ones (grounded
	// on model/models/gemma3n/text_attention.go's
	// attn_q_norm/attn_k_norm fields).
	AttnQBias *Tensor `gguf:"attn_q,bias"`
	AttnKBias *Tensor `gguf:"attn_k,bias"`
	AttnVBias *Tensor `gguf:"attn_v,bias"`
	AttnQNorm *Tensor `gguf:"attn_q_norm"`
	AttnKNorm *Tensor `gguf:"attn_k_norm"`

	// PostAttnNorm, when present, RMSNorms the attention output before
	// it's added back onto the residual stream (grounded on
	// model/models/gemma3n/text_layer.go's post_attention_norm field).
	PostAttnNorm *Tensor `gguf:"post_attention_norm"`

	FFNNorm *Tensor `gguf:"ffn_norm"`
	FFNGate *Tensor `gguf:"ffn_gate"`
	FFNUp   *Tensor `gguf:"ffn_up"`
	FFNDown *Tensor `gguf:"ffn_down"`
}

// DenseModel binds a full llama/qwen2-family dense model: token embedding,
// one DenseLayer per transformer block, and the output projection.
type DenseModel struct {
	HyperParams

	TokenEmbd *Tensor `gguf:"token_embd"`
	OutputNorm *Tensor `gguf:"output_norm"`
	Output    *Tensor `gguf:"output,alt:token_embd"`

	Layers []DenseLayer `gguf:"blk"`
}

// MLALayer is one transformer block of a multi-head latent attention
// architecture (DeepSeek2-style): queries and keys/values are each
// projected through a low-rank compressed bottleneck before being
// expanded back to full head width; the expanded per-head keys/values,
// not the compressed ones, are what the KV cache stores.
type MLALayer struct {
	AttnNorm *Tensor `gguf:"attn_norm"`

	AttnQA      *Tensor `gguf:"attn_q_a"`
	AttnQANorm  *Tensor `gguf:"attn_q_a_norm"`
	AttnQB      *Tensor `gguf:"attn_q_b"`
	AttnKVA     *Tensor `gguf:"attn_kv_a_mqa"`
	AttnKVANorm *Tensor `gguf:"attn_kv_a_norm"`
	AttnKVB     *Tensor `gguf:"attn_kv_b"`
	AttnOut     *Tensor `gguf:"attn_output"`

	// PostAttnNorm, when present, RMSNorms the attention output before
	// the residual add (grounded on
	// model/models/gemma3n/text_layer.go's post_attention_norm field).
	PostAttnNorm *Tensor `gguf:"post_attention_norm"`

	FFNNorm *Tensor `gguf:"ffn_norm"`

	// Dense FFN weights for layers below the MoE start, MoE router and
	// expert weights otherwise; exactly one set is non-nil per layer.
	FFNGate *Tensor `gguf:"ffn_gate"`
	FFNUp   *Tensor `gguf:"ffn_up"`
	FFNDown *Tensor `gguf:"ffn_down"`

	FFNGateInp    *Tensor `gguf:"ffn_gate_inp"`
	FFNGateExps   *Tensor `gguf:"ffn_gate_exps"`
	FFNUpExps     *Tensor `gguf:"ffn_up_exps"`
	FFNDownExps   *Tensor `gguf:"ffn_down_exps"`
	FFNGateShexp  *Tensor `gguf:"ffn_gate_shexp"`
	FFNUpShexp    *Tensor `gguf:"ffn_up_shexp"`
	FFNDownShexp  *Tensor `gguf:"ffn_down_shexp"`
}

// IsMoE reports whether this layer's feed-forward block routes through
// experts rather than a single dense MLP.
func (l *MLALayer) IsMoE() bool { return l.FFNGateInp != nil }

// HasSharedExpert reports whether this layer carries an always-active
// shared expert alongside its routed experts.
func (l *MLALayer) HasSharedExpert() bool { return l.FFNGateShexp != nil }

// MLAModel binds a DeepSeek2-family model: each layer is MoE when it
// carries ffn_gate_inp (MLALayer.IsMoE) and dense otherwise.
type MLAModel struct {
	HyperParams

	QLoraRank       int
	KVLoraRank      int
	QKRopeHeadDim   int
	QKNopeHeadDim   int
	VHeadDim        int
	ExpertCount     int
	ExpertUsedCount int
	ExpertSharedCount int

	TokenEmbd  *Tensor `gguf:"token_embd"`
	OutputNorm *Tensor `gguf:"output_norm"`
	Output     *Tensor `gguf:"output,alt:token_embd"`

	Layers []MLALayer `gguf:"blk"`
}

// MoELayer is one transformer block of a plain GQA-attention, MoE-FFN
// architecture (glm4moe and similar): attention is ordinary GQA, only the
// feed-forward block routes through experts.
type MoELayer struct {
	AttnNorm *Tensor `gguf:"attn_norm"`

	AttnQKV *Tensor `gguf:"attn_qkv"`
	AttnQ   *Tensor `gguf:"attn_q"`
	AttnK   *Tensor `gguf:"attn_k"`
	AttnV   *Tensor `gguf:"attn_v"`
	AttnOut *Tensor `gguf:"attn_output"`

	AttnQBias *Tensor `gguf:"attn_q,bias"`
	AttnKBias *Tensor `gguf:"attn_k,bias"`
	AttnVBias *Tensor `gguf:"attn_v,bias"`
	AttnQNorm *Tensor `gguf:"attn_q_norm"`
	AttnKNorm *Tensor `gguf:"attn_k_norm"`

	PostAttnNorm *Tensor `gguf:"post_attention_norm"`

	FFNNorm *Tensor `gguf:"ffn_norm"`

	FFNGate     *Tensor `gguf:"ffn_gate"`
	FFNUp       *Tensor `gguf:"ffn_up"`
	FFNDown     *Tensor `gguf:"ffn_down"`
	FFNGateInp  *Tensor `gguf:"ffn_gate_inp"`
	FFNGateExps *Tensor `gguf:"ffn_gate_exps"`
	FFNUpExps   *Tensor `gguf:"ffn_up_exps"`
	FFNDownExps *Tensor `gguf:"ffn_down_exps"`
	FFNGateShexp *Tensor `gguf:"ffn_gate_shexp"`
	FFNUpShexp   *Tensor `gguf:"ffn_up_shexp"`
	FFNDownShexp *Tensor `gguf:"ffn_down_shexp"`
}

func (l *MoELayer) IsMoE() bool           { return l.FFNGateInp != nil }
func (l *MoELayer) HasSharedExpert() bool { return l.FFNGateShexp != nil }

// MoEModel binds a glm4moe-family model.
type MoEModel struct {
	HyperParams

	ExpertCount       int
	ExpertUsedCount   int
	ExpertSharedCount int

	TokenEmbd  *Tensor `gguf:"token_embd"`
	OutputNorm *Tensor `gguf:"output_norm"`
	Output     *Tensor `gguf:"output,alt:token_embd"`

	Layers []MoELayer `gguf:"blk"`
}

// GPTOSSLayer is one transformer block of an attention-sink,
// sliding-window architecture (gptoss-style): every other layer restricts
// attention to a fixed-size trailing window, and every layer carries an
// extra per-head "sink" logit that participates in the softmax denominator
// without ever being attended to.
type GPTOSSLayer struct {
	AttnNorm  *Tensor `gguf:"attn_norm"`
	AttnQKV   *Tensor `gguf:"attn_qkv"`
	AttnQ     *Tensor `gguf:"attn_q"`
	AttnK     *Tensor `gguf:"attn_k"`
	AttnV     *Tensor `gguf:"attn_v"`
	AttnOut   *Tensor `gguf:"attn_output"`
	AttnSinks *Tensor `gguf:"attn_sinks"`

	AttnQBias *Tensor `gguf:"attn_q,bias"`
	AttnKBias *Tensor `gguf:"attn_k,bias"`
	AttnVBias *Tensor `gguf:"attn_v,bias"`
	AttnQNorm *Tensor `gguf:"attn_q_norm"`
	AttnKNorm *Tensor `gguf:"attn_k_norm"`

	PostAttnNorm *Tensor `gguf:"post_attention_norm"`

	FFNNorm     *Tensor `gguf:"ffn_norm"`
	FFNGateInp  *Tensor `gguf:"ffn_gate_inp"`
	FFNGateExps *Tensor `gguf:"ffn_gate_exps"`
	FFNUpExps   *Tensor `gguf:"ffn_up_exps"`
	FFNDownExps *Tensor `gguf:"ffn_down_exps"`
}

// GPTOSSModel binds a gptoss-family model.
type GPTOSSModel struct {
	HyperParams

	SlidingWindow   int
	ExpertCount     int
	ExpertUsedCount int

	TokenEmbd  *Tensor `gguf:"token_embd"`
	OutputNorm *Tensor `gguf:"output_norm"`
	Output     *Tensor `gguf:"output,alt:token_embd"`

	Layers []GPTOSSLayer `gguf:"blk"`
}

// Load reads general.architecture from f and returns the bound
// architecture-specific model. The returned value is one of *DenseModel,
// *MLAModel, *MoEModel, or *GPTOSSModel.
func Load(f *container.File) (any, error) {
	arch, err := Architecture(f)
	if err != nil {
		return nil, err
	}
	src := NewLoader(f)
	hp := readHyperParams(f, arch)

	switch arch {
	case "llama", "qwen2":
		m := &DenseModel{HyperParams: hp, Layers: make([]DenseLayer, hp.BlockCount)}
		if err := Bind(src, m); err != nil {
			return nil, err
		}
		return m, nil

	case "deepseek2":
		m := &MLAModel{
			HyperParams:       hp,
			QLoraRank:         metaInt(f, arch+".attention.q_lora_rank", 0),
			KVLoraRank:        metaInt(f, arch+".attention.kv_lora_rank", 0),
			QKRopeHeadDim:     metaInt(f, arch+".attention.key_length_mla", 0),
			QKNopeHeadDim:     metaInt(f, arch+".attention.value_length_mla", 0),
			VHeadDim:          metaInt(f, arch+".attention.value_length", 0),
			ExpertCount:       metaInt(f, arch+".expert_count", 0),
			ExpertUsedCount:   metaInt(f, arch+".expert_used_count", 0),
			ExpertSharedCount: metaInt(f, arch+".expert_shared_count", 0),
			Layers:            make([]MLALayer, hp.BlockCount),
		}
		if err := Bind(src, m); err != nil {
			return nil, err
		}
		return m, nil

	case "glm4moe":
		m := &MoEModel{
			HyperParams:       hp,
			ExpertCount:       metaInt(f, arch+".expert_count", 0),
			ExpertUsedCount:   metaInt(f, arch+".expert_used_count", 0),
			ExpertSharedCount: metaInt(f, arch+".expert_shared_count", 0),
			Layers:            make([]MoELayer, hp.BlockCount),
		}
		if err := Bind(src, m); err != nil {
			return nil, err
		}
		return m, nil

	case "gptoss":
		m := &GPTOSSModel{
			HyperParams:     hp,
			SlidingWindow:   metaInt(f, arch+".attention.sliding_window", 0),
			ExpertCount:     metaInt(f, arch+".expert_count", 0),
			ExpertUsedCount: metaInt(f, arch+".expert_used_count", 0),
			Layers:          make([]GPTOSSLayer, hp.BlockCount),
		}
		if err := Bind(src, m); err != nil {
			return nil, err
		}
		return m, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedArchitecture, arch)
	}
}
