package index

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/yoanbernabeu/codegrep/store"
	"github.com/yoanbernabeu/codegrep/tokenizer"
)

// Query is a lexical search request.
type Query struct {
	// Text is the raw query. Its terms must all occur in a chunk, adjacent
	// and in order when there is more than one.
	Text string

	// Extensions restricts candidates to these extensions (without dot).
	// Empty means no restriction.
	Extensions map[string]bool

	// PathPrefix restricts candidates to documents under this relative path.
	PathPrefix string

	// Limit caps the number of matches. Zero returns all of them.
	Limit int
}

// Match is a scored chunk.
type Match struct {
	ChunkID   string
	Path      string
	StartLine int
	EndLine   int
	Score     float64
	ModTime   time.Time
}

// Filter reports whether a document passes the extension and path filters.
func (q Query) Filter(doc store.Document) bool {
	if len(q.Extensions) > 0 && !q.Extensions[doc.Ext()] {
		return false
	}
	if q.PathPrefix != "" && !HasPathPrefix(doc.Path, q.PathPrefix) {
		return false
	}
	return true
}

// HasPathPrefix reports whether the slash separated path is prefix itself or
// lies in the directory it names.
func HasPathPrefix(path, prefix string) bool {
	prefix = strings.TrimPrefix(strings.TrimPrefix(prefix, "./"), "/")
	if prefix == "" || prefix == "." {
		return true
	}
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix)
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Search returns the chunks containing every query term, adjacent and in
// order, ranked by BM25. Equal scores are ordered by most recent document
// first, then by path, then by line.
func (idx *Index) Search(q Query) []Match {
	terms := tokenizer.Terms(q.Text)
	if len(terms) == 0 {
		return nil
	}

	// Punctuation in the query may sit inside an indexed term ("$user-" in
	// "$user->get"), so the edge terms match partially and the literal check
	// restores precision.
	var literal string
	if tokenizer.HasSeparatorPunct(q.Text) {
		literal = strings.ToLower(strings.TrimSpace(q.Text))
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	slots := idx.slotsLocked(terms, literal != "")
	if slots == nil {
		return nil
	}
	lists := distinctSlots(terms, slots)

	// Drive the intersection from the rarest term.
	rarest := 0
	for i := range lists {
		if len(lists[i]) < len(lists[rarest]) {
			rarest = i
		}
	}

	avgLen := 0.0
	if n := len(idx.chunkLen); n > 0 {
		avgLen = float64(idx.totalTokens) / float64(n)
	}

	docCache := make(map[string]*store.Document)
	var matches []Match

	for chunkID := range lists[rarest] {
		inAll := true
		for i := range lists {
			if _, ok := lists[i][chunkID]; !ok {
				inAll = false
				break
			}
		}
		if !inAll {
			continue
		}

		path := idx.chunkDoc[chunkID]
		doc, seen := docCache[path]
		if !seen {
			if d, ok := idx.docs.Get(path); ok && q.Filter(d) {
				doc = &d
			}
			docCache[path] = doc
		}
		if doc == nil {
			continue
		}

		if len(slots) > 1 && !adjacent(slots, chunkID) {
			continue
		}

		chunk, ok := idx.docs.Chunk(chunkID)
		if !ok {
			continue
		}
		if literal != "" && !strings.Contains(strings.ToLower(chunk.Content), literal) {
			continue
		}

		matches = append(matches, Match{
			ChunkID:   chunkID,
			Path:      path,
			StartLine: chunk.StartLine,
			EndLine:   chunk.EndLine,
			Score:     idx.scoreLocked(lists, chunkID, avgLen),
			ModTime:   doc.ModTime,
		})
	}

	SortMatches(matches)
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches
}

// slotsLocked returns the postings of every query position. In partial
// mode the first term may end an indexed term, the last may start one and a
// lone term may occur anywhere inside one. It returns nil when a position
// matches nothing.
func (idx *Index) slotsLocked(terms []string, partial bool) []map[string][]int {
	slots := make([]map[string][]int, len(terms))
	for i, term := range terms {
		if !partial {
			byChunk, ok := idx.postings[term]
			if !ok {
				return nil
			}
			slots[i] = byChunk
			continue
		}

		match := edgeMatcher(term, i == 0, i == len(terms)-1)
		var sources []map[string][]int
		for indexed, byChunk := range idx.postings {
			if match(indexed) {
				sources = append(sources, byChunk)
			}
		}
		if len(sources) == 0 {
			return nil
		}
		slots[i] = mergePostings(sources)
	}
	return slots
}

func edgeMatcher(term string, first, last bool) func(string) bool {
	switch {
	case first && last:
		return func(t string) bool { return strings.Contains(t, term) }
	case first:
		return func(t string) bool { return strings.HasSuffix(t, term) }
	case last:
		return func(t string) bool { return strings.HasPrefix(t, term) }
	default:
		return func(t string) bool { return t == term }
	}
}

// mergePostings unions posting lists without touching the originals.
func mergePostings(sources []map[string][]int) map[string][]int {
	if len(sources) == 1 {
		return sources[0]
	}
	merged := make(map[string][]int)
	for _, byChunk := range sources {
		for chunkID, positions := range byChunk {
			merged[chunkID] = append(merged[chunkID], positions...)
		}
	}
	for _, positions := range merged {
		sort.Ints(positions)
	}
	return merged
}

// distinctSlots drops the slots of repeated query terms so that BM25 counts
// each term once.
func distinctSlots(terms []string, slots []map[string][]int) []map[string][]int {
	seen := make(map[string]bool, len(terms))
	out := make([]map[string][]int, 0, len(slots))
	for i, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, slots[i])
		}
	}
	return out
}

// adjacent reports whether the query positions occur consecutively.
func adjacent(slots []map[string][]int, chunkID string) bool {
	for _, start := range slots[0][chunkID] {
		ok := true
		for i := 1; i < len(slots); i++ {
			if !containsSorted(slots[i][chunkID], start+i) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func (idx *Index) scoreLocked(lists []map[string][]int, chunkID string, avgLen float64) float64 {
	n := float64(len(idx.chunkLen))
	dl := float64(idx.chunkLen[chunkID])
	k1, b := idx.bm25.K1, idx.bm25.B

	norm := 1.0
	if avgLen > 0 {
		norm = 1 - b + b*dl/avgLen
	}

	var score float64
	for i := range lists {
		df := float64(len(lists[i]))
		tf := float64(len(lists[i][chunkID]))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		score += idf * tf * (k1 + 1) / (tf + k1*norm)
	}
	return score
}

// SortMatches orders matches by score, then recency, then path and line.
func SortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.ModTime.Equal(b.ModTime) {
			return a.ModTime.After(b.ModTime)
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.StartLine < b.StartLine
	})
}

func containsSorted(positions []int, want int) bool {
	i := sort.SearchInts(positions, want)
	return i < len(positions) && positions[i] == want
}
