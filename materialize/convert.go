package materialize

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/sharedcode/annostore/upgrade"
)

const (
	SentenceLayer = "sentence"
	TokenLayer    = "token"
)

// Converter turns the bytes of a source file into an initial state document.
type Converter func(name string, src []byte) (Document, error)

var (
	convertersMu sync.RWMutex
	converters   = map[string]Converter{
		"text":      convertText,
		"textlines": convertTextLines,
	}
)

// RegisterConverter adds or replaces the converter of a format.
func RegisterConverter(format string, c Converter) {
	convertersMu.Lock()
	defer convertersMu.Unlock()
	converters[format] = c
}

// GetConverter returns the converter registered for format.
func GetConverter(format string) (Converter, error) {
	convertersMu.RLock()
	defer convertersMu.RUnlock()
	c, ok := converters[format]
	if !ok {
		return nil, fmt.Errorf("no converter for format %q", format)
	}
	return c, nil
}

type span struct{ begin, end int }

type builder struct {
	doc Document
}

func newBuilder(name, format, text string) *builder {
	return &builder{
		doc: Document{
			SchemaVersion: upgrade.LatestVersion,
			Text:          text,
			Layers:        []Layer{{Name: SentenceLayer}, {Name: TokenLayer}},
			Annotations:   []Annotation{},
			Metadata: map[string]any{
				"source": name,
				"format": format,
			},
		},
	}
}

func (b *builder) add(layer string, s span) {
	b.doc.Annotations = append(b.doc.Annotations, Annotation{
		ID:    "a" + strconv.Itoa(len(b.doc.Annotations)+1),
		Layer: layer,
		Begin: s.begin,
		End:   s.end,
	})
}

func decodeText(name string, src []byte) ([]rune, error) {
	if !utf8.Valid(src) {
		return nil, fmt.Errorf("%s is not valid UTF-8", name)
	}
	return []rune(strings.TrimPrefix(string(src), "\ufeff")), nil
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// convertText segments prose: a sentence ends at '.', '!' or '?' followed by
// whitespace or the end of text, or at a blank line. Tokens are runs of
// letters and digits; every other visible rune is a token of its own.
func convertText(name string, src []byte) (Document, error) {
	text, err := decodeText(name, src)
	if err != nil {
		return Document{}, err
	}
	b := newBuilder(name, "text", string(text))
	var sentences []span
	start := -1
	for i := 0; i < len(text); i++ {
		r := text[i]
		if start < 0 {
			if !unicode.IsSpace(r) {
				start = i
			}
			continue
		}
		blankLine := r == '\n' && i+1 < len(text) && text[i+1] == '\n'
		if blankLine {
			sentences = append(sentences, trimSpan(text, span{start, i}))
			start = -1
			continue
		}
		if isSentenceEnd(r) && (i+1 == len(text) || unicode.IsSpace(text[i+1])) {
			sentences = append(sentences, span{start, i + 1})
			start = -1
		}
	}
	if start >= 0 {
		sentences = append(sentences, trimSpan(text, span{start, len(text)}))
	}
	for _, s := range sentences {
		b.add(SentenceLayer, s)
	}
	for _, s := range sentences {
		for _, t := range wordTokens(text, s) {
			b.add(TokenLayer, t)
		}
	}
	return b.doc, nil
}

// convertTextLines treats every non-blank line as a sentence and splits it
// on whitespace.
func convertTextLines(name string, src []byte) (Document, error) {
	text, err := decodeText(name, src)
	if err != nil {
		return Document{}, err
	}
	b := newBuilder(name, "textlines", string(text))
	var sentences []span
	lineStart := 0
	for i := 0; i <= len(text); i++ {
		if i < len(text) && text[i] != '\n' {
			continue
		}
		if s := trimSpan(text, span{lineStart, i}); s.end > s.begin {
			sentences = append(sentences, s)
		}
		lineStart = i + 1
	}
	for _, s := range sentences {
		b.add(SentenceLayer, s)
	}
	for _, s := range sentences {
		for _, t := range spaceTokens(text, s) {
			b.add(TokenLayer, t)
		}
	}
	return b.doc, nil
}

func trimSpan(text []rune, s span) span {
	for s.begin < s.end && unicode.IsSpace(text[s.begin]) {
		s.begin++
	}
	for s.end > s.begin && unicode.IsSpace(text[s.end-1]) {
		s.end--
	}
	return s
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

func wordTokens(text []rune, s span) []span {
	var r []span
	for i := s.begin; i < s.end; {
		switch c := text[i]; {
		case unicode.IsSpace(c):
			i++
		case isWordRune(c):
			j := i
			for j < s.end && isWordRune(text[j]) {
				j++
			}
			r = append(r, span{i, j})
			i = j
		default:
			r = append(r, span{i, i + 1})
			i++
		}
	}
	return r
}

func spaceTokens(text []rune, s span) []span {
	var r []span
	for i := s.begin; i < s.end; {
		if unicode.IsSpace(text[i]) {
			i++
			continue
		}
		j := i
		for j < s.end && !unicode.IsSpace(text[j]) {
			j++
		}
		r = append(r, span{i, j})
		i = j
	}
	return r
}
