package convert

import (
	"cmp"
	"strings"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/wutthichai46/neural-speed/ne"
)

type llamaModel struct {
	ModelParameters
	HiddenSize            uint32  `json:"hidden_size"`
	IntermediateSize      uint32  `json:"intermediate_size"`
	NumAttentionHeads     uint32  `json:"num_attention_heads"`
	NumKeyValueHeads      uint32  `json:"num_key_value_heads"`
	NumHiddenLayers       uint32  `json:"num_hidden_layers"`
	MaxPositionEmbeddings uint32  `json:"max_position_embeddings"`
	RMSNormEPS            float32 `json:"rms_norm_eps"`
	RopeTheta             float32 `json:"rope_theta"`
	RopeScaling           struct {
		Type   string  `json:"type"`
		Factor float32 `json:"factor"`
	} `json:"rope_scaling"`
	BosTokenID *int32 `json:"bos_token_id"`
	EosTokenID *int32 `json:"eos_token_id"`
}

var _ ModelConverter = (*llamaModel)(nil)

func (p *llamaModel) HParams(t *Tokenizer) ne.HParams {
	hp := ne.HParams{
		VocabSize:     p.VocabSize,
		EmbedDim:      p.HiddenSize,
		Mult:          256,
		HeadCount:     p.NumAttentionHeads,
		HeadCountKV:   cmp.Or(p.NumKeyValueHeads, p.NumAttentionHeads),
		LayerCount:    p.NumHiddenLayers,
		SeqLength:     p.MaxPositionEmbeddings,
		FFNHiddenSize: p.IntermediateSize,
		NormEps:       p.RMSNormEPS,
		FreqBase:      cmp.Or(p.RopeTheta, 10000),
		RopeFactor:    1,
		BosTokenID:    tokenID(p.BosTokenID, t.SpecialID("bos")),
		EosTokenID:    tokenID(p.EosTokenID, t.SpecialID("eos")),
		PadTokenID:    t.SpecialID("pad"),
		SepTokenID:    t.SpecialID("sep"),
	}

	if p.NumAttentionHeads > 0 {
		hp.Rot = p.HiddenSize / p.NumAttentionHeads
	}

	if p.RopeScaling.Type == "linear" && p.RopeScaling.Factor > 0 {
		hp.RopeFactor = p.RopeScaling.Factor
	}

	return hp
}

func (p *llamaModel) Replacements() []string {
	return []string{
		"lm_head", "output",
		"model.embed_tokens", "token_embd",
		"model.norm", "output_norm",
		"model.layers", "blk",
		"input_layernorm", "attn_norm",
		"self_attn.q_proj", "attn_q",
		"self_attn.k_proj", "attn_k",
		"self_attn.v_proj", "attn_v",
		"self_attn.o_proj", "attn_output",
		"mlp.gate_proj", "ffn_gate",
		"mlp.down_proj", "ffn_down",
		"mlp.up_proj", "ffn_up",
		"post_attention_layernorm", "ffn_norm",
	}
}

// headPermutation maps the checkpoint's interleaved rotary layout to the
// grouped layout the engine reads: rows of each head are reshaped
// [2, dim/2] -> [dim/2, 2]. The permutation applies equally to the weight
// rows and their per-group metadata.
func (p *llamaModel) headPermutation(name string, rows int) []int {
	var heads int
	switch {
	case strings.HasSuffix(name, "attn_q.weight"):
		heads = int(p.NumAttentionHeads)
	case strings.HasSuffix(name, "attn_k.weight"):
		heads = int(cmp.Or(p.NumKeyValueHeads, p.NumAttentionHeads))
	default:
		return nil
	}

	if heads <= 0 || rows%(heads*2) != 0 {
		return nil
	}

	idx := make([]int, rows)
	for i := range idx {
		idx[i] = i
	}

	n := tensor.New(tensor.WithShape(heads, 2, rows/heads/2), tensor.WithBacking(idx))
	if err := n.T(0, 2, 1); err != nil {
		return nil
	}

	if err := n.Reshape(rows); err != nil {
		return nil
	}

	perm, err := native.VectorI(n)
	if err != nil {
		return nil
	}

	return perm
}
