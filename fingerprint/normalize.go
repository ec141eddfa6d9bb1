package fingerprint

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// TextNormalizer canonicalizes text artifacts.
//
// It tolerates an optional UTF-8 BOM, CRLF line endings, trailing whitespace
// and trailing newlines, and re-encodes the text in Unicode NFC. Invalid UTF-8
// and bare CR are rejected.
type TextNormalizer struct{}

func (TextNormalizer) Normalize(input []byte) ([]byte, error) {
	if !utf8.Valid(input) {
		return nil, errors.New("text must be valid UTF-8")
	}
	b := bytes.TrimPrefix(input, []byte{0xEF, 0xBB, 0xBF})

	if bytes.Contains(b, []byte("\r")) {
		b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
		if bytes.Contains(b, []byte("\r")) {
			return nil, errors.New("CR line endings not allowed")
		}
	}

	lines := bytes.Split(b, []byte("\n"))
	for i, line := range lines {
		lines[i] = bytes.TrimRight(line, " \t")
	}
	b = bytes.Join(lines, []byte("\n"))
	b = bytes.TrimRight(b, "\n")

	return norm.NFC.Bytes(b), nil
}

// JSONNormalizer canonicalizes a single JSON value: object keys sorted,
// insignificant whitespace removed, number literals preserved verbatim.
type JSONNormalizer struct{}

func (JSONNormalizer) Normalize(input []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// TokenClassifier is a reference intent classifier: the intent of an artifact
// is its set of case-folded word tokens, minus StopWords. A non-empty
// hints["kind"] is prefixed so artifacts of different kinds never share an
// intent.
type TokenClassifier struct {
	StopWords []string
}

func (c TokenClassifier) Classify(data []byte, hints Hints) ([]byte, error) {
	if !utf8.Valid(data) {
		return nil, errors.New("text must be valid UTF-8")
	}
	folder := cases.Fold()
	stop := make(map[string]struct{}, len(c.StopWords))
	for _, w := range c.StopWords {
		stop[folder.String(w)] = struct{}{}
	}

	seen := map[string]struct{}{}
	fields := strings.FieldsFunc(norm.NFC.String(string(data)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		tok := folder.String(f)
		if _, skip := stop[tok]; skip {
			continue
		}
		seen[tok] = struct{}{}
	}
	if len(seen) == 0 {
		return nil, errors.New("no intent tokens")
	}

	tokens := make([]string, 0, len(seen))
	for tok := range seen {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)

	var out strings.Builder
	out.WriteString(hints["kind"])
	out.WriteByte('\n')
	out.WriteString(strings.Join(tokens, " "))
	return []byte(out.String()), nil
}
