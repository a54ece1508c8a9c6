package connection

import "sync"

// queue 无界事件队列，push 从不阻塞
type queue struct {
	mu      sync.Mutex
	buf     []Event
	closing bool
	signal  chan struct{}
	out     chan Event
}

func newQueue() *queue {
	q := &queue{
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
	}
	go q.run()
	return q
}

func (q *queue) push(e Event) {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, e)
	q.mu.Unlock()
	q.wake()
}

func (q *queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// close 已入队的事件仍会送达，之后关闭 out
func (q *queue) close() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()
	q.wake()
}

func (q *queue) run() {
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			closing := q.closing
			q.mu.Unlock()
			if closing {
				close(q.out)
				return
			}
			<-q.signal
			continue
		}
		e := q.buf[0]
		q.buf[0] = Event{}
		q.buf = q.buf[1:]
		q.mu.Unlock()

		q.out <- e
	}
}
