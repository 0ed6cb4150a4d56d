// Package ordering sequences queued creates of self-referencing entity types
// so that parents are delivered before their children.
package ordering

import "github.com/MarcoPoloResearchLab/stockpile/offline/internal/queue"

// SortResult is the delivery order for one entity type.
type SortResult struct {
	// Ordered holds sorted creates followed by the other operations in input order.
	Ordered []queue.Entry
	// Unresolved holds creates whose parent chain loops back on itself.
	Unresolved []queue.Entry
}

// SortByDependency orders entries with Kahn's algorithm. An edge runs from a
// create to every create whose parentField names its idempotency key. Ties
// are broken by input position, so independent creates keep queue order.
// Creates without a parent, or whose parent is not among the input creates,
// are roots.
func SortByDependency(entries []queue.Entry, parentField string) SortResult {
	creates := make([]queue.Entry, 0, len(entries))
	others := make([]queue.Entry, 0)
	for _, entry := range entries {
		if entry.Operation == queue.OperationCreate {
			creates = append(creates, entry)
			continue
		}
		others = append(others, entry)
	}

	positionByKey := make(map[string]int, len(creates))
	for index, entry := range creates {
		positionByKey[entry.IdempotencyKey] = index
	}

	inDegree := make([]int, len(creates))
	children := make([][]int, len(creates))
	for index, entry := range creates {
		if parentField == "" {
			break
		}
		parentKey, ok := entry.Payload.StringValue(parentField)
		if !ok {
			continue
		}
		parentIndex, ok := positionByKey[parentKey]
		if !ok {
			continue
		}
		children[parentIndex] = append(children[parentIndex], index)
		inDegree[index]++
	}

	ready := make([]int, 0, len(creates))
	for index := range creates {
		if inDegree[index] == 0 {
			ready = append(ready, index)
		}
	}

	ordered := make([]queue.Entry, 0, len(entries))
	emitted := make([]bool, len(creates))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		ordered = append(ordered, creates[current])
		emitted[current] = true
		for _, child := range children[current] {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	var unresolved []queue.Entry
	for index, entry := range creates {
		if !emitted[index] {
			unresolved = append(unresolved, entry)
		}
	}

	ordered = append(ordered, others...)
	return SortResult{Ordered: ordered, Unresolved: unresolved}
}
