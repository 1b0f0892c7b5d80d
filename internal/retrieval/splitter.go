package retrieval

import "unicode"

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// separators are tried in order; "" splits between runes.
var separators = []string{"\n\n", "\n", " ", ""}

// Span is a half-open rune range [Start, End) of a document's text.
type Span struct {
	Start int
	End   int
}

func (s Span) len() int { return s.End - s.Start }

// Splitter cuts text into bounded, overlapping chunks. It prefers paragraph
// boundaries, then lines, then words, and only splits inside a word when a
// single word exceeds the size.
type Splitter struct {
	Size    int
	Overlap int
}

// NewSplitter returns a splitter measuring size and overlap in runes. Zero
// or invalid values fall back to the defaults.
func NewSplitter(size, overlap int) Splitter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = min(DefaultChunkOverlap, size/5)
	}
	return Splitter{Size: size, Overlap: overlap}
}

// Split returns the chunk spans of text, in order. Leading and trailing
// whitespace is excluded from each span and whitespace-only spans are
// dropped.
func (s Splitter) Split(text string) []Span {
	r := []rune(text)
	if len(r) == 0 {
		return nil
	}
	return s.split(r, Span{0, len(r)}, separators)
}

// SplitText is Split returning the chunk texts.
func (s Splitter) SplitText(text string) []string {
	r := []rune(text)
	spans := s.split(r, Span{0, len(r)}, separators)
	out := make([]string, len(spans))
	for i, sp := range spans {
		out[i] = string(r[sp.Start:sp.End])
	}
	return out
}

func (s Splitter) split(r []rune, within Span, seps []string) []Span {
	sep, rest := "", []string(nil)
	for i, c := range seps {
		if c == "" {
			break
		}
		if indexRunes(r, within, []rune(c), within.Start) >= 0 {
			sep, rest = c, seps[i+1:]
			break
		}
	}

	var out, good []Span
	for _, p := range cut(r, within, sep) {
		if p.len() < s.Size {
			good = append(good, p)
			continue
		}
		if len(good) > 0 {
			out = append(out, s.merge(r, good)...)
			good = nil
		}
		if rest == nil {
			out = appendTrimmed(out, r, p)
		} else {
			out = append(out, s.split(r, p, rest)...)
		}
	}
	if len(good) > 0 {
		out = append(out, s.merge(r, good)...)
	}
	return out
}

// merge packs contiguous pieces into spans of at most Size runes, carrying
// up to Overlap runes of trailing pieces into the next span.
func (s Splitter) merge(r []rune, pieces []Span) []Span {
	var out, cur []Span
	total := 0
	for _, p := range pieces {
		n := p.len()
		if total+n > s.Size && len(cur) > 0 {
			out = appendTrimmed(out, r, Span{cur[0].Start, cur[len(cur)-1].End})
			for len(cur) > 0 && (total > s.Overlap || (total+n > s.Size && total > 0)) {
				total -= cur[0].len()
				cur = cur[1:]
			}
		}
		cur = append(cur, p)
		total += n
	}
	if len(cur) > 0 {
		out = appendTrimmed(out, r, Span{cur[0].Start, cur[len(cur)-1].End})
	}
	return out
}

// cut splits within at each occurrence of sep, keeping the separator at the
// start of the following piece so pieces stay contiguous.
func cut(r []rune, within Span, sep string) []Span {
	if sep == "" {
		out := make([]Span, 0, within.len())
		for i := within.Start; i < within.End; i++ {
			out = append(out, Span{i, i + 1})
		}
		return out
	}
	sr := []rune(sep)
	var out []Span
	start := within.Start
	from := within.Start
	for {
		at := indexRunes(r, within, sr, from)
		if at < 0 {
			break
		}
		if at > start {
			out = append(out, Span{start, at})
			start = at
		}
		from = at + len(sr)
	}
	if within.End > start {
		out = append(out, Span{start, within.End})
	}
	return out
}

func indexRunes(r []rune, within Span, sep []rune, from int) int {
	for i := from; i+len(sep) <= within.End; i++ {
		match := true
		for j, c := range sep {
			if r[i+j] != c {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func appendTrimmed(out []Span, r []rune, sp Span) []Span {
	for sp.Start < sp.End && unicode.IsSpace(r[sp.Start]) {
		sp.Start++
	}
	for sp.End > sp.Start && unicode.IsSpace(r[sp.End-1]) {
		sp.End--
	}
	if sp.len() == 0 {
		return out
	}
	return append(out, sp)
}
