package chat

import "time"

type queuedQuery struct {
	messageID  string
	content    string
	enqueuedAt time.Time
}

// queryQueue holds submitted queries waiting for a connection or capacity,
// in submission order.
type queryQueue struct {
	items []queuedQuery
}

func (q *queryQueue) push(item queuedQuery) {
	q.items = append(q.items, item)
}

func (q *queryQueue) pushFront(item queuedQuery) {
	q.items = append([]queuedQuery{item}, q.items...)
}

func (q *queryQueue) pop() (queuedQuery, bool) {
	if len(q.items) == 0 {
		return queuedQuery{}, false
	}
	item := q.items[0]
	q.items[0] = queuedQuery{}
	q.items = q.items[1:]
	return item, true
}

func (q *queryQueue) remove(messageID string) (queuedQuery, bool) {
	for i, item := range q.items {
		if item.messageID == messageID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return item, true
		}
	}
	return queuedQuery{}, false
}

func (q *queryQueue) drainAll() []queuedQuery {
	items := q.items
	q.items = nil
	return items
}

func (q *queryQueue) len() int {
	return len(q.items)
}
