package transport

// MaxRecycledCalls caps the free-list. Call frames can be large, so only a handful of them
// are kept around.
const MaxRecycledCalls = 20

// freeList holds finished calls for reuse. A buffered channel is the pool: it is safe for
// concurrent use and put/get never block.
type freeList struct {
	calls chan *PendingCall
}

func newFreeList(size int) *freeList {
	return &freeList{calls: make(chan *PendingCall, size)}
}

// get returns a recycled call, or nil when the list is empty.
func (l *freeList) get() *PendingCall {
	select {
	case c := <-l.calls:
		return c
	default:
		return nil
	}
}

// put keeps c unless the list is full, in which case c is left to the garbage collector.
func (l *freeList) put(c *PendingCall) bool {
	select {
	case l.calls <- c:
		return true
	default:
		return false
	}
}

func (l *freeList) len() int {
	return len(l.calls)
}
