package internal

// ordered returns the writes of the flush: inserts in dependency order, then
// updates, then deletes, each otherwise in schedule order.
func (r *flushRun) ordered() []*pendingWrite {
	out := make([]*pendingWrite, 0, len(r.inserts)+len(r.updates)+len(r.deletes))
	out = append(out, orderInserts(r.inserts)...)
	out = append(out, r.updates...)
	out = append(out, r.deletes...)
	return out
}

// orderInserts sorts inserts so that a referenced new document is written no
// later than its referrer (Kahn's algorithm). Ready documents are taken in
// schedule order; when only cycles and their dependents remain, a document on
// a cycle is taken next. Identifiers are assigned before ordering, so a cycle
// only affects the order, never the references.
func orderInserts(writes []*pendingWrite) []*pendingWrite {
	n := len(writes)
	if n < 2 {
		return writes
	}

	index := make(map[*entry]int, n)
	for i, w := range writes {
		index[w.entry] = i
	}
	indegree := make([]int, n)
	requires := make([][]int, n)
	dependents := make([][]int, n)
	for i, w := range writes {
		for _, dep := range w.deps {
			j, ok := index[dep]
			if !ok || j == i {
				continue
			}
			indegree[i]++
			requires[i] = append(requires[i], j)
			dependents[j] = append(dependents[j], i)
		}
	}

	done := make([]bool, n)
	out := make([]*pendingWrite, 0, n)
	for len(out) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			next = onCycle(done, requires)
		}
		done[next] = true
		out = append(out, writes[next])
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return out
}

// onCycle walks unsatisfied dependencies from the earliest pending write until
// it revisits one, which is then on a cycle. Only called when every pending
// write has an unsatisfied dependency.
func onCycle(done []bool, requires [][]int) int {
	current := -1
	for i := range done {
		if !done[i] {
			current = i
			break
		}
	}
	seen := make(map[int]bool)
	for !seen[current] {
		seen[current] = true
		for _, j := range requires[current] {
			if !done[j] {
				current = j
				break
			}
		}
	}
	return current
}
