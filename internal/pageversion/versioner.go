// Package pageversion computes content digests of page membership so cached
// results can be invalidated when a page changes, without every mutation site
// having to notify the data layer.
package pageversion

import (
	"encoding/binary"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/minio/highwayhash"

	"github.com/atlasmap-sc/cellucid/internal/pages"
)

const (
	// edgeSamples is the number of leading and trailing indices always hashed.
	edgeSamples = 5
	// fullHashLimit is the page size up to which every index is hashed.
	fullHashLimit = 100
	// middleSamples is the number of evenly spaced indices hashed for larger pages.
	middleSamples = 50
)

// digestKey is the fixed highwayhash key. Digests only need to be stable
// within a process, but a fixed key keeps them comparable across restarts.
var digestKey = []byte("cellucid-page-version-digest-k01")

// Digest returns the version digest of a page. Identical membership and name
// always yield the same digest.
func Digest(p pages.Page) string {
	return digestIndices(p.ID, p.Name, pages.EffectiveCellIndices(p))
}

func digestIndices(id, name string, cells []int) string {
	n := len(cells)
	buf := make([]byte, 0, 64+len(id)+len(name)+8*(2*edgeSamples+middleSamples+4))
	buf = appendString(buf, id)
	buf = appendString(buf, name)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(n))

	if n <= fullHashLimit {
		for _, c := range cells {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(c))
		}
	} else {
		for _, c := range cells[:edgeSamples] {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(c))
		}
		step := float64(n-2*edgeSamples) / float64(middleSamples+1)
		for i := 1; i <= middleSamples; i++ {
			pos := edgeSamples + int(float64(i)*step)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(cells[pos]))
		}
		for _, c := range cells[n-edgeSamples:] {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(c))
		}

		// Sum and xor over all indices catch substitutions between samples.
		var sum, xor uint64
		for _, c := range cells {
			sum += uint64(c)
			xor ^= uint64(c) * 0x9E3779B97F4A7C15
		}
		buf = binary.LittleEndian.AppendUint64(buf, sum)
		buf = binary.LittleEndian.AppendUint64(buf, xor)
	}

	sum := highwayhash.Sum64(buf, digestKey)
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], sum)
	return hex.EncodeToString(out[:])
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// Fold combines several page digests into one key digest. The order of
// versions does not matter.
func Fold(versions []string) uint64 {
	sorted := append([]string(nil), versions...)
	sort.Strings(sorted)
	buf := make([]byte, 0, 20*len(sorted))
	for _, v := range sorted {
		buf = appendString(buf, v)
	}
	return highwayhash.Sum64(buf, digestKey)
}

// SnapshotDigest folds the digests of the pages as they appear in snapshot.
// Pages absent from snapshot hash as empty.
func SnapshotDigest(snapshot map[string]pages.Page, pageIDs []string) uint64 {
	versions := make([]string, len(pageIDs))
	for i, id := range pageIDs {
		if p, ok := snapshot[id]; ok {
			versions[i] = Digest(p)
		} else {
			versions[i] = digestIndices(id, "", nil)
		}
	}
	return Fold(versions)
}

// Versioner tracks the last observed digest of each page.
type Versioner struct {
	registry pages.Registry
	onChange func(pageID string)

	mu       sync.Mutex
	versions map[string]string
}

// New creates a versioner. onChange is called (outside any lock) for every
// page whose digest changed during Refresh.
func New(registry pages.Registry, onChange func(pageID string)) *Versioner {
	return &Versioner{
		registry: registry,
		onChange: onChange,
		versions: make(map[string]string),
	}
}

// Hash computes the current digest of a page. Unknown pages hash as empty.
func (v *Versioner) Hash(pageID string) string {
	p, ok := pages.Find(v.registry, pageID)
	if !ok {
		return digestIndices(pageID, "", nil)
	}
	return Digest(p)
}

// Refresh recomputes and stores digests for the given pages, or all known
// pages when none are given, and reports the ids whose digest changed.
func (v *Versioner) Refresh(pageIDs ...string) []string {
	byID := v.snapshot()
	if len(pageIDs) == 0 {
		pageIDs = make([]string, 0, len(byID))
		for id := range byID {
			pageIDs = append(pageIDs, id)
		}
		sort.Strings(pageIDs)
	}

	var changed []string
	v.mu.Lock()
	for _, id := range pageIDs {
		var digest string
		if p, ok := byID[id]; ok {
			digest = Digest(p)
		} else {
			digest = digestIndices(id, "", nil)
		}
		prev, seen := v.versions[id]
		v.versions[id] = digest
		if seen && prev != digest {
			changed = append(changed, id)
		}
	}
	v.mu.Unlock()

	if v.onChange != nil {
		for _, id := range changed {
			v.onChange(id)
		}
	}
	return changed
}

// HasChanged compares the current digest with the stored one without
// updating it. A page never refreshed counts as changed.
func (v *Versioner) HasChanged(pageID string) bool {
	current := v.Hash(pageID)

	v.mu.Lock()
	defer v.mu.Unlock()
	prev, ok := v.versions[pageID]
	return !ok || prev != current
}

// Version returns the stored digest, computing and storing it on first use.
func (v *Versioner) Version(pageID string) string {
	v.mu.Lock()
	d, ok := v.versions[pageID]
	v.mu.Unlock()
	if ok {
		return d
	}

	d = v.Hash(pageID)
	v.mu.Lock()
	if existing, ok := v.versions[pageID]; ok {
		d = existing
	} else {
		v.versions[pageID] = d
	}
	v.mu.Unlock()
	return d
}

// Prune drops stored digests of pages that no longer exist and returns them.
func (v *Versioner) Prune() []string {
	byID := v.snapshot()

	v.mu.Lock()
	defer v.mu.Unlock()
	var removed []string
	for id := range v.versions {
		if _, ok := byID[id]; !ok {
			delete(v.versions, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Forget drops stored digests for the given pages.
func (v *Versioner) Forget(pageIDs ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range pageIDs {
		delete(v.versions, id)
	}
}

// Reset drops all stored digests.
func (v *Versioner) Reset() {
	v.mu.Lock()
	v.versions = make(map[string]string)
	v.mu.Unlock()
}

// Len returns the number of tracked pages.
func (v *Versioner) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.versions)
}

func (v *Versioner) snapshot() map[string]pages.Page {
	out := make(map[string]pages.Page)
	if v.registry == nil {
		return out
	}
	for _, p := range v.registry.HighlightPages() {
		out[p.ID] = p
	}
	return out
}
