package convert

import (
	"cmp"

	"github.com/wutthichai46/neural-speed/ne"
)

type chatglmModel struct {
	ModelParameters
	PaddedVocabSize    uint32  `json:"padded_vocab_size"`
	HiddenSize         uint32  `json:"hidden_size"`
	NumAttentionHeads  uint32  `json:"num_attention_heads"`
	NumLayers          uint32  `json:"num_layers"`
	SeqLength          uint32  `json:"seq_length"`
	MultiQueryGroupNum uint32  `json:"multi_query_group_num"`
	FFNHiddenSize      uint32  `json:"ffn_hidden_size"`
	InnerHiddenSize    uint32  `json:"inner_hidden_size"`
	LayerNormEpsilon   float32 `json:"layernorm_epsilon"`
	EosTokenID         *int32  `json:"eos_token_id"`
	PadTokenID         *int32  `json:"pad_token_id"`
}

var _ ModelConverter = (*chatglmModel)(nil)

func (p *chatglmModel) HParams(t *Tokenizer) ne.HParams {
	return ne.HParams{
		VocabSize:          cmp.Or(p.PaddedVocabSize, p.VocabSize),
		EmbedDim:           p.HiddenSize,
		HeadCount:          p.NumAttentionHeads,
		LayerCount:         p.NumLayers,
		SeqLength:          p.SeqLength,
		MultiQueryGroupNum: p.MultiQueryGroupNum,
		FFNHiddenSize:      p.FFNHiddenSize,
		InnerHiddenSize:    p.InnerHiddenSize,
		NormEps:            p.LayerNormEpsilon,
		FreqBase:           10000,
		RopeFactor:         1,
		BosTokenID:         t.SpecialID("bos"),
		EosTokenID:         tokenID(p.EosTokenID, t.SpecialID("eos")),
		PadTokenID:         tokenID(p.PadTokenID, t.SpecialID("pad")),
		SepTokenID:         t.SpecialID("sep"),
	}
}

// Replacements is empty: the engine reads chatglm tensors under their
// checkpoint names.
func (p *chatglmModel) Replacements() []string {
	return nil
}

// chatglm packs query_key_value heads the way the engine expects, no
// reordering needed.
func (p *chatglmModel) headPermutation(string, int) []int {
	return nil
}

func tokenID(id *int32, fallback int32) int32 {
	if id != nil {
		return *id
	}

	return fallback
}
