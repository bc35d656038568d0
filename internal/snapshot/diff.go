package snapshot

// Diff is the per-category split of a run's successes
type Diff struct {
	New    map[string][]Entry
	Stable map[string][]Entry
}

// HasNew reports whether any category gained an endpoint
func (d Diff) HasNew() bool {
	for _, entries := range d.New {
		if len(entries) > 0 {
			return true
		}
	}
	return false
}

// Compute splits the current successes against the previous run. An entry is
// stable when it was also in the previous Recent set of its category, new
// otherwise. A nil previous snapshot makes everything new.
func Compute(current map[string][]Entry, prev *Snapshot) Diff {
	d := Diff{
		New:    map[string][]Entry{},
		Stable: map[string][]Entry{},
	}

	for category, entries := range current {
		var before []Entry
		if prev != nil {
			before = prev.Recent[category]
		}

		var fresh, stable []Entry
		for _, e := range entries {
			if containsEntry(before, e) {
				stable = append(stable, e)
			} else {
				fresh = append(fresh, e)
			}
		}

		if len(fresh) > 0 {
			sortEntries(fresh)
			d.New[category] = fresh
		}
		if len(stable) > 0 {
			sortEntries(stable)
			d.Stable[category] = stable
		}
	}

	return d
}

// StableChanged reports whether the stable partition differs from the one
// stored in prev, ignoring order and latency.
func StableChanged(prev *Snapshot, stable map[string][]Entry) bool {
	var before map[string][]Entry
	if prev != nil {
		before = prev.Stable
	}

	for category, entries := range stable {
		if !sameEntries(before[category], entries) {
			return true
		}
	}
	for category, entries := range before {
		if len(entries) > 0 && len(stable[category]) == 0 {
			return true
		}
	}
	return false
}

func containsEntry(entries []Entry, e Entry) bool {
	for _, candidate := range entries {
		if candidate.Matches(e) {
			return true
		}
	}
	return false
}

func sameEntries(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for _, e := range a {
		if !containsEntry(b, e) {
			return false
		}
	}
	for _, e := range b {
		if !containsEntry(a, e) {
			return false
		}
	}
	return true
}
