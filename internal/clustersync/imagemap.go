package clustersync

import "sort"

// ImageMap maps image reference and digest to the stored image id. One map lives for the
// duration of a single cluster run and is never shared between runs.
type ImageMap struct {
	ids map[string]map[string]int64
}

func NewImageMap() *ImageMap {
	return &ImageMap{ids: make(map[string]map[string]int64)}
}

func (m *ImageMap) Put(ref, digest string, id int64) {
	byDigest, ok := m.ids[ref]
	if !ok {
		byDigest = make(map[string]int64)
		m.ids[ref] = byDigest
	}
	byDigest[digest] = id
}

func (m *ImageMap) Get(ref, digest string) (int64, bool) {
	id, ok := m.ids[ref][digest]
	return id, ok
}

// AllIDs returns every distinct image id in the map in ascending order.
func (m *ImageMap) AllIDs() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, byDigest := range m.ids {
		for _, id := range byDigest {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *ImageMap) Len() int {
	n := 0
	for _, byDigest := range m.ids {
		n += len(byDigest)
	}
	return n
}
