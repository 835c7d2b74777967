package procgroup

import (
	"context"
	"sync"

	"github.com/unixpickle/essentials"
)

// An inbox queues the messages from one source until
// they are received.
type inbox struct {
	lock  sync.Mutex
	queue [][]byte
	err   error
	wake  chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{})}
}

func (i *inbox) push(msg []byte) {
	i.lock.Lock()
	defer i.lock.Unlock()
	if i.err != nil {
		return
	}
	i.queue = append(i.queue, msg)
	i.notify()
}

// fail ends the inbox.
// Messages queued before the failure can still be
// popped, after which pop returns err.
// Only the first failure is kept.
func (i *inbox) fail(err error) {
	i.lock.Lock()
	defer i.lock.Unlock()
	if i.err != nil {
		return
	}
	i.err = err
	i.notify()
}

func (i *inbox) pop(ctx context.Context) ([]byte, error) {
	for {
		i.lock.Lock()
		if len(i.queue) > 0 {
			msg := i.queue[0]
			essentials.OrderedDelete(&i.queue, 0)
			i.lock.Unlock()
			return msg, nil
		}
		if i.err != nil {
			err := i.err
			i.lock.Unlock()
			return nil, err
		}
		wake := i.wake
		i.lock.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (i *inbox) notify() {
	close(i.wake)
	i.wake = make(chan struct{})
}
