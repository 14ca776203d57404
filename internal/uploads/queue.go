package uploads

import (
	"time"

	"github.com/alexjbarnes/chirpsync/internal/models"
)

// item is the manager's in-memory view of one upload.
type item struct {
	upload models.Upload

	// seq breaks priority ties in enqueue order.
	seq   uint64
	index int // position in the heap, -1 when not queued

	cancel func()
	retry  *time.Timer
}

// queue is a container/heap ordered by (priority, seq).
type queue []*item

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].upload.Priority != q[j].upload.Priority {
		return q[i].upload.Priority < q[j].upload.Priority
	}

	return q[i].seq < q[j].seq
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]

	return it
}
