package coordinator

import (
	"context"

	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
)

type result struct {
	state protocol.StateResponse
	err   error
}

type job struct {
	run    func(ctx context.Context) (protocol.StateResponse, error)
	reply  chan result // nil for fire-and-forget jobs
	retire bool        // worker may exit after this job if its queue is empty
}

type tabQueue struct {
	jobs chan job
}

// enqueue hands j to the worker of tabID, starting one if needed. The send
// happens under queuesMu so a retiring worker can never strand a job.
func (c *Coordinator) enqueue(tabID int, j job) error {
	c.queuesMu.Lock()
	defer c.queuesMu.Unlock()

	if c.stopped {
		return ErrStopped
	}

	q, ok := c.queues[tabID]
	if !ok {
		q = &tabQueue{jobs: make(chan job, c.cfg.QueueSize)}
		c.queues[tabID] = q
		c.workers.Add(1)
		go c.runQueue(tabID, q)
	}

	select {
	case q.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// call enqueues fn and waits for its result. ctx bounds the wait only.
func (c *Coordinator) call(ctx context.Context, tabID int, retire bool, fn func(ctx context.Context) (protocol.StateResponse, error)) (protocol.StateResponse, error) {
	j := job{run: fn, reply: make(chan result, 1), retire: retire}
	if err := c.enqueue(tabID, j); err != nil {
		return protocol.StateResponse{}, err
	}

	select {
	case res := <-j.reply:
		return res.state, res.err
	case <-ctx.Done():
		return protocol.StateResponse{}, ctx.Err()
	case <-c.ctx.Done():
		return protocol.StateResponse{}, ErrStopped
	}
}

// runQueue handles the jobs of one tab strictly in arrival order
func (c *Coordinator) runQueue(tabID int, q *tabQueue) {
	defer c.workers.Done()

	for {
		select {
		case <-c.ctx.Done():
			return

		case j := <-q.jobs:
			state, err := j.run(c.ctx)
			if j.reply != nil {
				j.reply <- result{state: state, err: err}
			}
			c.updateGauges()

			if j.retire && c.retireQueue(tabID, q) {
				return
			}
		}
	}
}

func (c *Coordinator) retireQueue(tabID int, q *tabQueue) bool {
	c.queuesMu.Lock()
	defer c.queuesMu.Unlock()

	if len(q.jobs) > 0 || c.queues[tabID] != q {
		return false
	}
	delete(c.queues, tabID)
	return true
}
