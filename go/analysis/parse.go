package analysis

import (
	"bytes"
	"encoding/json"
	"strings"

	"go.skia.org/infra/go/skerr"
)

// analysesWrapperKey is the wrapper object key some model responses nest the
// result array under.
const analysesWrapperKey = "analyses"

// extractArray digs the result array out of a model response. Accepted
// shapes, in order: a bare JSON array; an object wrapping the array under
// "analyses"; a JSON string containing either of the above, optionally
// surrounded by prose. Anything else, including null, is an error.
func extractArray(data json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, skerr.Fmt("model response payload is empty")
	}
	switch trimmed[0] {
	case '[':
		return trimmed, nil
	case '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, skerr.Wrapf(err, "decoding wrapper object")
		}
		inner, ok := wrapper[analysesWrapperKey]
		if !ok {
			return nil, skerr.Fmt("wrapper object has no %q key", analysesWrapperKey)
		}
		return extractArray(inner)
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, skerr.Wrapf(err, "decoding string payload")
		}
		block, ok := firstJSONBlock(s)
		if !ok {
			return nil, skerr.Fmt("no JSON block found in string payload")
		}
		return extractArray(json.RawMessage(block))
	}
	return nil, skerr.Fmt("unexpected payload shape starting with %q", string(trimmed[0]))
}

// firstJSONBlock returns the first balanced [...] or {...} block in s,
// skipping any surrounding prose. Brackets inside JSON strings do not count
// toward balance.
func firstJSONBlock(s string) (string, bool) {
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return "", false
	}
	open := s[start]
	var close byte = ']'
	if open == '{' {
		close = '}'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
