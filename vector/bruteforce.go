package vector

import "sort"

// BruteForce is an exact backend that scores every stored vector.
type BruteForce struct {
	ids  []string
	vecs [][]float32
	pos  map[string]int
}

// NewBruteForce creates an empty exact backend.
func NewBruteForce() *BruteForce {
	return &BruteForce{pos: make(map[string]int)}
}

// Add stores vec under id, replacing any previous vector.
func (b *BruteForce) Add(id string, vec []float32) {
	if i, ok := b.pos[id]; ok {
		b.vecs[i] = vec
		return
	}
	b.pos[id] = len(b.ids)
	b.ids = append(b.ids, id)
	b.vecs = append(b.vecs, vec)
}

// Delete removes id by swapping the last entry into its slot.
func (b *BruteForce) Delete(id string) {
	i, ok := b.pos[id]
	if !ok {
		return
	}
	last := len(b.ids) - 1
	if i != last {
		b.ids[i] = b.ids[last]
		b.vecs[i] = b.vecs[last]
		b.pos[b.ids[i]] = i
	}
	b.ids = b.ids[:last]
	b.vecs = b.vecs[:last]
	delete(b.pos, id)
}

// Search returns the top k vectors by cosine similarity.
func (b *BruteForce) Search(query []float32, k int) []Result {
	results := make([]Result, len(b.ids))
	for i := range b.ids {
		results[i] = Result{ID: b.ids[i], Score: dot(query, b.vecs[i])}
	}
	sortResults(results)
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

// Len returns the number of stored vectors.
func (b *BruteForce) Len() int {
	return len(b.ids)
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}
