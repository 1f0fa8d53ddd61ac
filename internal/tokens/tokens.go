// Package tokens measures the token cost of a relayed exchange. Usage
// reported by the upstream is authoritative; anything it leaves out is
// estimated from the request and response text.
package tokens

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Source says where a Usage came from.
type Source string

const (
	SourceUpstream  Source = "upstream"
	SourceEstimated Source = "estimated"
	SourceUnknown   Source = "unknown"
)

// Usage is the accounted cost of one exchange.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Model            string
	Source           Source
}

// Input is everything the accountant looks at.
type Input struct {
	RequestBody []byte
	// ResponseBody may be a truncated capture of what was relayed.
	ResponseBody    []byte
	ContentType     string
	ContentEncoding string
	Streamed        bool
}

// Accountant turns an exchange into a Usage. It never fails.
type Accountant struct {
	tokenizer Tokenizer
	maxDecode int64
}

// NewAccountant creates an accountant. A nil tokenizer selects the heuristic.
func NewAccountant(tokenizer Tokenizer) *Accountant {
	if tokenizer == nil {
		tokenizer = Heuristic{}
	}
	return &Accountant{tokenizer: tokenizer, maxDecode: MaxDecodedSize}
}

// Estimate counts the tokens of the request text. Used to size reservations.
func (a *Accountant) Estimate(requestBody []byte) int64 {
	return a.count(context.Background(), RequestText(requestBody))
}

// Account extracts upstream usage and estimates whatever is missing.
func (a *Accountant) Account(ctx context.Context, in Input) Usage {
	if !textual(in.ContentType) {
		return Usage{Model: requestModel(in.RequestBody), Source: SourceUnknown}
	}
	body := decode(in.ResponseBody, in.ContentEncoding, a.maxDecode)

	var resp extracted
	if in.Streamed || strings.HasPrefix(strings.ToLower(in.ContentType), "text/event-stream") {
		resp = extractSSE(body)
	} else {
		resp = extractJSON(body)
	}

	u := Usage{Model: resp.model}
	if u.Model == "" {
		u.Model = requestModel(in.RequestBody)
	}

	if resp.prompt != nil && resp.completion != nil {
		u.PromptTokens = *resp.prompt
		u.CompletionTokens = *resp.completion
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		u.Source = SourceUpstream
		return u
	}

	requestText := RequestText(in.RequestBody)
	if requestText == "" && resp.text == "" && resp.prompt == nil && resp.completion == nil {
		u.Source = SourceUnknown
		return u
	}

	var prompt, completion int64
	g, gctx := errgroup.WithContext(ctx)
	if resp.prompt == nil {
		g.Go(func() error {
			prompt = a.count(gctx, requestText)
			return nil
		})
	} else {
		prompt = *resp.prompt
	}
	if resp.completion == nil {
		g.Go(func() error {
			completion = a.count(gctx, resp.text)
			return nil
		})
	} else {
		completion = *resp.completion
	}
	_ = g.Wait()

	u.PromptTokens = prompt
	u.CompletionTokens = completion
	u.TotalTokens = prompt + completion
	u.Source = SourceEstimated
	return u
}

// count tokenizes text, dropping to the heuristic once ctx is done.
func (a *Accountant) count(ctx context.Context, text string) int64 {
	if text == "" {
		return 0
	}
	if ctx.Err() != nil {
		return Heuristic{}.Count(text)
	}
	n := a.tokenizer.Count(text)
	if n == 0 {
		slog.Debug("tokenizer returned zero for non-empty text, using heuristic")
		return Heuristic{}.Count(text)
	}
	return n
}

// textual reports whether a response of this content type can carry usage
// or text. A missing content type is given the benefit of the doubt.
func textual(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	switch {
	case ct == "":
		return true
	case strings.HasPrefix(ct, "text/"):
		return true
	case ct == "application/json", strings.HasSuffix(ct, "+json"), ct == "application/x-ndjson":
		return true
	}
	return false
}
