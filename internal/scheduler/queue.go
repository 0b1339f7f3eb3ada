package scheduler

import "slices"

// readyQueue is the FIFO of task IDs whose dependencies are satisfied.
// Resource-blocked tasks go back on the front.
type readyQueue struct {
	ids []string
}

func (q *readyQueue) PushBack(id string) {
	q.ids = append(q.ids, id)
}

func (q *readyQueue) PushFront(id string) {
	q.ids = append([]string{id}, q.ids...)
}

func (q *readyQueue) PopFront() (string, bool) {
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id, true
}

func (q *readyQueue) Remove(id string) {
	q.ids = slices.DeleteFunc(q.ids, func(cur string) bool { return cur == id })
}

func (q *readyQueue) Contains(id string) bool {
	return slices.Contains(q.ids, id)
}

func (q *readyQueue) Snapshot() []string {
	return slices.Clone(q.ids)
}
