package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	tensors map[string]*Tensor
}

func (f *fakeSource) Tensor(name string) (*Tensor, bool) {
	t, ok := f.tensors[name]
	return t, ok
}

func TestBuildTensorNamesNested(t *testing.T) {
	names := BuildTensorNames([]Tag{{Name: "blk"}, {Name: "0"}, {Name: "attn_norm"}})
	require.Len(t, names, 1)
	assert.Equal(t, "blk.0.attn_norm.weight", names[0])
}

func TestBuildTensorNamesAlternatives(t *testing.T) {
	names := BuildTensorNames([]Tag{{Name: "output", Alternatives: []string{"token_embd"}}})
	assert.Equal(t, []string{"output.weight", "token_embd.weight"}, names)
}

func TestBindDenseModel(t *testing.T) {
	src := &fakeSource{tensors: map[string]*Tensor{
		"token_embd.weight":      {Name: "token_embd.weight"},
		"output_norm.weight":     {Name: "output_norm.weight"},
		"output.weight":          {Name: "output.weight"},
		"blk.0.attn_norm.weight": {Name: "blk.0.attn_norm.weight"},
		"blk.0.attn_q.weight":    {Name: "blk.0.attn_q.weight"},
	}}

	m := &DenseModel{Layers: make([]DenseLayer, 1)}
	err := Bind(src, m)
	require.NoError(t, err)

	assert.NotNil(t, m.TokenEmbd)
	assert.NotNil(t, m.OutputNorm)
	assert.NotNil(t, m.Output)
	assert.NotNil(t, m.Layers[0].AttnNorm)
	assert.NotNil(t, m.Layers[0].AttnQ)
	assert.Nil(t, m.Layers[0].AttnK)
}

func TestBindFallsBackToAlternative(t *testing.T) {
	src := &fakeSource{tensors: map[string]*Tensor{
		"token_embd.weight": {Name: "token_embd.weight"},
	}}
	m := &DenseModel{Layers: make([]DenseLayer, 0)}
	err := Bind(src, m)
	require.NoError(t, err)
	require.NotNil(t, m.Output)
	assert.Equal(t, "token_embd.weight", m.Output.Name)
}

func TestMoELayerDetection(t *testing.T) {
	withRouter := &MoELayer{FFNGateInp: &Tensor{}}
	without := &MoELayer{}
	assert.True(t, withRouter.IsMoE())
	assert.False(t, without.IsMoE())
}
