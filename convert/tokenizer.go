package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"maps"
	"os"
	"slices"
)

// ErrMalformedAddedTokenRange reports an added_tokens.json whose ids do
// not extend the base vocabulary contiguously.
var ErrMalformedAddedTokenRange = errors.New("added token ids are not sequential after the base vocabulary")

// Tokenizer holds the flattened vocabulary of a checkpoint, ordered by
// token id. Scores mirror the source ranking; for BPE vocabularies the
// rank is the id itself.
type Tokenizer struct {
	Tokens []string
	Scores []float32

	specials map[string]int
}

type tokenizerFile struct {
	AddedTokens []addedToken `json:"added_tokens"`
	Model       struct {
		Type  string         `json:"type"`
		Vocab map[string]int `json:"vocab"`
	} `json:"model"`
}

type addedToken struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
}

func parseTokenizer(fsys fs.FS) (*Tokenizer, error) {
	f, err := fsys.Open("tokenizer.json")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tf tokenizerFile
	if err := json.NewDecoder(f).Decode(&tf); err != nil {
		return nil, err
	}

	tokens := make(map[int]string, len(tf.Model.Vocab))
	for content, id := range tf.Model.Vocab {
		tokens[id] = content
	}

	t := &Tokenizer{specials: make(map[string]int)}
	for _, at := range tf.AddedTokens {
		tokens[at.ID] = at.Content
	}

	if err := mergeAddedTokens(fsys, tokens); err != nil {
		return nil, err
	}

	ids := slices.Sorted(maps.Keys(tokens))
	for want, id := range ids {
		if id != want {
			return nil, fmt.Errorf("%w: vocabulary has a hole at id %d", ErrMalformedAddedTokenRange, want)
		}

		t.Tokens = append(t.Tokens, tokens[id])
		t.Scores = append(t.Scores, float32(id))
	}

	if err := parseSpecialTokens(fsys, t); err != nil {
		return nil, err
	}

	return t, nil
}

// mergeAddedTokens folds added_tokens.json into the vocabulary. The file
// maps content to id and its ids must continue exactly where the base
// vocabulary ends.
func mergeAddedTokens(fsys fs.FS, tokens map[int]string) error {
	f, err := fsys.Open("added_tokens.json")
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	defer f.Close()

	var added map[string]int
	if err := json.NewDecoder(f).Decode(&added); err != nil {
		return err
	}

	base := len(tokens)
	ids := slices.Sorted(maps.Values(added))
	for i, id := range ids {
		if id != base+i {
			return fmt.Errorf("%w: expected ids %d..%d, got %v", ErrMalformedAddedTokenRange, base, base+len(added)-1, ids)
		}
	}

	for content, id := range added {
		tokens[id] = content
	}

	return nil
}

// parseSpecialTokens resolves bos/eos/pad/sep contents declared in
// tokenizer_config.json to vocabulary ids.
func parseSpecialTokens(fsys fs.FS, t *Tokenizer) error {
	f, err := fsys.Open("tokenizer_config.json")
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	defer f.Close()

	var cfg map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return err
	}

	index := make(map[string]int, len(t.Tokens))
	for id, content := range t.Tokens {
		index[content] = id
	}

	for _, kind := range []string{"bos", "eos", "pad", "sep"} {
		bts, ok := cfg[kind+"_token"]
		if !ok {
			continue
		}

		var content string
		if err := json.Unmarshal(bts, &content); err != nil {
			var m map[string]any
			if err := json.Unmarshal(bts, &m); err != nil {
				continue
			}

			content, ok = m["content"].(string)
			if !ok {
				continue
			}
		}

		if id, ok := index[content]; ok {
			t.specials[kind] = id
		}
	}

	return nil
}

// SpecialID returns the id of a bos/eos/pad/sep token, or -1 when the
// tokenizer does not declare one.
func (t *Tokenizer) SpecialID(kind string) int32 {
	if id, ok := t.specials[kind]; ok {
		return int32(id)
	}

	return -1
}

// All yields every token with its score in id order, a finite single-pass
// sequence shaped for the vocabulary section of the output file.
func (t *Tokenizer) All() iter.Seq2[[]byte, float32] {
	return func(yield func([]byte, float32) bool) {
		for i, tok := range t.Tokens {
			if !yield([]byte(tok), t.Scores[i]) {
				return
			}
		}
	}
}
