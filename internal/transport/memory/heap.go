// Copyright 2025 James Ross
package memory

import (
	"container/heap"

	"github.com/jobqueue/jobqueue/internal/core"
)

// priorityQueue orders ready jobs of one type by (priority desc,
// createdAt asc), the ordering law from spec.md section 8.
type priorityQueue []*core.Job

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	if !pq[i].CreatedAt.Equal(pq[j].CreatedAt) {
		return pq[i].CreatedAt.Before(pq[j].CreatedAt)
	}
	return pq[i].ID < pq[j].ID
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x any) { *pq = append(*pq, x.(*core.Job)) }

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

func (pq *priorityQueue) remove(id string) bool {
	for i, j := range *pq {
		if j.ID == id {
			heap.Remove(pq, i)
			return true
		}
	}
	return false
}

var _ heap.Interface = (*priorityQueue)(nil)
