package tokens

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

// extracted is what the response itself says. nil counts were absent.
type extracted struct {
	prompt     *int64
	completion *int64
	model      string
	text       string
}

func ptr(v int64) *int64 { return &v }

// firstInt returns the first present numeric path.
func firstInt(r gjson.Result, paths ...string) *int64 {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type == gjson.Number {
			return ptr(v.Int())
		}
	}
	return nil
}

// extractJSON reads a non-streamed Anthropic or OpenAI style body.
func extractJSON(body []byte) extracted {
	var out extracted
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return out
	}
	doc := gjson.ParseBytes(body)

	out.prompt = firstInt(doc, "usage.input_tokens", "usage.prompt_tokens")
	out.completion = firstInt(doc, "usage.output_tokens", "usage.completion_tokens")
	if out.prompt != nil && out.completion == nil {
		if total := firstInt(doc, "usage.total_tokens"); total != nil && *total >= *out.prompt {
			out.completion = ptr(*total - *out.prompt)
		}
	}
	out.model = doc.Get("model").String()

	var sb strings.Builder
	collectText(doc.Get("content"), &sb)
	doc.Get("choices").ForEach(func(_, choice gjson.Result) bool {
		collectText(choice.Get("message.content"), &sb)
		collectText(choice.Get("text"), &sb)
		return true
	})
	collectText(doc.Get("output"), &sb)
	out.text = sb.String()
	return out
}

// extractSSE reads a server-sent event stream. Anthropic reports input
// tokens in message_start and cumulative output tokens in message_delta;
// OpenAI sends a final chunk with a usage object. The placeholder output
// count in message_start is ignored so a stream cut before message_delta
// falls back to estimation.
func extractSSE(body []byte) extracted {
	var out extracted
	var sb strings.Builder

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) || !gjson.ValidBytes(data) {
			continue
		}
		ev := gjson.ParseBytes(data)

		switch ev.Get("type").String() {
		case "message_start":
			msg := ev.Get("message")
			if v := firstInt(msg, "usage.input_tokens"); v != nil {
				out.prompt = v
			}
			if m := msg.Get("model").String(); m != "" {
				out.model = m
			}
		case "message_delta":
			if v := firstInt(ev, "usage.output_tokens"); v != nil {
				out.completion = v
			}
			if v := firstInt(ev, "usage.input_tokens"); v != nil {
				out.prompt = v
			}
		case "content_block_delta":
			sb.WriteString(ev.Get("delta.text").String())
		default:
			if m := ev.Get("model").String(); m != "" && out.model == "" {
				out.model = m
			}
			if u := ev.Get("usage"); u.IsObject() {
				if v := firstInt(ev, "usage.prompt_tokens", "usage.input_tokens"); v != nil {
					out.prompt = v
				}
				if v := firstInt(ev, "usage.completion_tokens", "usage.output_tokens"); v != nil {
					out.completion = v
				}
			}
			ev.Get("choices").ForEach(func(_, choice gjson.Result) bool {
				sb.WriteString(choice.Get("delta.content").String())
				sb.WriteString(choice.Get("text").String())
				return true
			})
		}
	}

	out.text = sb.String()
	return out
}

// collectText appends the text found in a string, a list of content blocks,
// or a list of messages.
func collectText(r gjson.Result, sb *strings.Builder) {
	switch {
	case !r.Exists():
	case r.Type == gjson.String:
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(r.String())
	case r.IsArray():
		r.ForEach(func(_, item gjson.Result) bool {
			collectText(item, sb)
			return true
		})
	case r.IsObject():
		if t := r.Get("text"); t.Exists() {
			collectText(t, sb)
			return
		}
		collectText(r.Get("content"), sb)
	}
}

// RequestText returns the prompt text of an Anthropic or OpenAI request body.
func RequestText(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	doc := gjson.ParseBytes(body)
	var sb strings.Builder
	collectText(doc.Get("system"), &sb)
	collectText(doc.Get("messages"), &sb)
	collectText(doc.Get("prompt"), &sb)
	collectText(doc.Get("input"), &sb)
	return sb.String()
}

func requestModel(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return gjson.GetBytes(body, "model").String()
}
