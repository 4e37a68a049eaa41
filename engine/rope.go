package engine

import "math"

// RopeStyle selects how rotary position embedding pairs up dimensions.
type RopeStyle int

const (
	// RopeNormal rotates consecutive pairs (2i, 2i+1) — the original
	// RoFormer/GPT-2 convention. No architecture bound by config.Load
	// selects it today (config.RopeTypeForArch maps every current
	// architecture to NeoX); it's kept reachable for one that might,
	// and exercised directly by TestApplyRopeNormalStyleRotatesAdjacentPairs.
	RopeNormal RopeStyle = iota
	// RopeNeox rotates paired halves (i, i+n/2) — the GPT-NeoX/falcon
	// convention every architecture this module drives actually uses.
	RopeNeox
)

// RopeParams configures one RoPE application. Scale <= 1 or OrigContext
// == 0 disables YaRN scaling and ropeFrequency falls back to plain theta.
type RopeParams struct {
	Style    RopeStyle
	Dim      int
	FreqBase float32

	// YaRN long-context extension, grounded on
	// model/models/deepseek2/options.go's applyRotaryPositionEmbeddings
	// and x/imagegen/models/gpt_oss/attention.go's ComputeYarnFreqs.
	Scale       float32
	OrigContext int
	BetaFast    float32
	BetaSlow    float32
}

// ApplyRope rotates x (one head's slice of length >= Dim) in place for
// absolute position pos. Angles are computed in float64 since frequency
// ratios span many orders of magnitude across a typical 128-dimension
// head and float32 accumulation would drift visibly over a long context.
func ApplyRope(x []float32, pos int, p RopeParams) {
	half := p.Dim / 2
	attnFactor := float32(1)
	yarnActive := p.Scale > 1 && p.OrigContext > 0
	var low, high float64
	if yarnActive {
		attnFactor = yarnAttnFactor(p.Scale)
		low, high = yarnCorrectionRange(p)
	}

	for i := 0; i < half; i++ {
		theta := ropeFrequency(i, p)
		if yarnActive {
			theta = yarnInterpolate(theta, i, low, high, float64(p.Scale))
		}
		angle := float64(pos) * theta
		cos := float32(math.Cos(angle)) * attnFactor
		sin := float32(math.Sin(angle)) * attnFactor

		switch p.Style {
		case RopeNeox:
			a, b := x[i], x[i+half]
			x[i] = a*cos - b*sin
			x[i+half] = a*sin + b*cos
		default:
			a, b := x[2*i], x[2*i+1]
			x[2*i] = a*cos - b*sin
			x[2*i+1] = a*sin + b*cos
		}
	}
}

// ropeFrequency is the un-scaled rotary frequency for pair index i.
func ropeFrequency(i int, p RopeParams) float64 {
	base := float64(p.FreqBase)
	dim := float64(p.Dim)
	return 1.0 / math.Pow(base, float64(2*i)/dim)
}

// yarnAttnFactor is the mscale correction YaRN applies to cos/sin so
// attention logit magnitudes stay stable at the stretched context length.
// Grounded on deepseek2/options.go's
// rope.WithAttentionFactor(float32(1.0/(1.0+0.1*math.Log(float64(o.ropeScale))))).
func yarnAttnFactor(scale float32) float32 {
	return float32(1.0 / (1.0 + 0.1*math.Log(float64(scale))))
}

// yarnCorrectionRange returns the NTK-by-parts ramp boundaries (in pair
// index space) between which theta is interpolated rather than purely
// extrapolated or scaled down wholesale. Grounded on
// x/imagegen/models/gpt_oss/attention.go's ComputeYarnFreqs, itself
// ggml_rope_yarn_corr_dims's correction-range formula.
func yarnCorrectionRange(p RopeParams) (low, high float64) {
	low = yarnFindCorrectionDim(float64(p.BetaFast), p)
	high = yarnFindCorrectionDim(float64(p.BetaSlow), p)
	if low < 0 {
		low = 0
	}
	if max := float64(p.Dim/2 - 1); high > max {
		high = max
	}
	return low, high
}

// yarnFindCorrectionDim finds the pair index at which a full rotation
// takes numRotations rotations across the model's original context
// length — the dimension ggml's YaRN correction range is defined in.
func yarnFindCorrectionDim(numRotations float64, p RopeParams) float64 {
	dim := float64(p.Dim)
	base := float64(p.FreqBase)
	origContext := float64(p.OrigContext)
	return dim * math.Log(origContext/(numRotations*2*math.Pi)) / (2 * math.Log(base))
}

// yarnInterpolate blends the extrapolated (un-scaled) and interpolated
// (scale-divided) theta for pair index i using a linear ramp between low
// and high, so frequencies below the correction range keep their original
// period and frequencies above it are fully NTK-scaled down.
func yarnInterpolate(thetaExtrap float64, i int, low, high, scale float64) float64 {
	thetaInterp := thetaExtrap / scale
	if high == low {
		high = low + 0.001
	}
	ramp := (float64(i) - low) / (high - low)
	if ramp < 0 {
		ramp = 0
	}
	if ramp > 1 {
		ramp = 1
	}
	extrapMix := 1 - ramp
	return thetaInterp*(1-extrapMix) + thetaExtrap*extrapMix
}
