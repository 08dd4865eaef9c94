package field

import "github.com/serroba/collabtext/internal/ot"

// Diff compares prior and next. Forward maps every changed or added key to
// its new value and every removed key to nil; reverse undoes forward.
// Unchanged keys appear in neither.
func Diff[K comparable, V any](prior, next map[K]V, equal func(a, b V) bool) (forward, reverse map[K]*V) {
	forward = make(map[K]*V)
	reverse = make(map[K]*V)

	for k, v := range next {
		old, ok := prior[k]
		if ok && equal(old, v) {
			continue
		}

		forward[k] = &v

		if ok {
			reverse[k] = &old
		} else {
			reverse[k] = nil
		}
	}

	for k, old := range prior {
		if _, ok := next[k]; !ok {
			forward[k] = nil
			reverse[k] = &old
		}
	}

	return forward, reverse
}

// DiffStrings diffs string-valued maps.
func DiffStrings[K comparable](prior, next map[K]string) (forward, reverse map[K]*string) {
	return Diff(prior, next, func(a, b string) bool { return a == b })
}

// DiffPatches diffs change logs.
func DiffPatches(prior, next map[int]ot.Patch) (forward, reverse map[int]*ot.Patch) {
	return Diff(prior, next, ot.Patch.Equal)
}
