package tokens

import (
	"fmt"
	"math"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Encoding is the BPE used for estimates.
const Encoding = "cl100k_base"

// Tokenizer counts the tokens in a piece of text.
type Tokenizer interface {
	Count(text string) int64
}

// BPE counts with a tiktoken encoding.
type BPE struct {
	enc *tiktoken.Tiktoken
}

var loaderOnce sync.Once

// NewBPE loads the cl100k_base encoding from the embedded ranks, so no
// network access is needed.
func NewBPE() (*BPE, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(Encoding)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding: %w", Encoding, err)
	}
	return &BPE{enc: enc}, nil
}

func (b *BPE) Count(text string) int64 {
	if text == "" {
		return 0
	}
	return int64(len(b.enc.Encode(text, nil, nil)))
}

// Heuristic approximates token counts when no BPE is available. CJK runes
// weigh 2.5 tokens each; anything else is four runes per token.
type Heuristic struct{}

func (Heuristic) Count(text string) int64 {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	n := int64(math.Ceil(float64(cjk)*2.5 + float64(other)/4))
	if n < 1 {
		n = 1
	}
	return n
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4e00 && r <= 0x9fff: // unified ideographs
		return true
	case r >= 0x3400 && r <= 0x4dbf:
		return true
	case r >= 0x3040 && r <= 0x309f: // hiragana
		return true
	case r >= 0x30a0 && r <= 0x30ff: // katakana
		return true
	}
	return false
}
