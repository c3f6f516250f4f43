package grain

import (
	"fmt"
	"math"

	"grain-rpc/rpcerr"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
)

// ObjectID identifies a grain across both endpoints of a connection.
type ObjectID uint64

// Role decides which half of the id space an endpoint allocates from.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// ParseRole maps a configuration value to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "client", "":
		return RoleClient, nil
	case "server":
		return RoleServer, nil
	default:
		return 0, errors.Errorf("unknown role %q", s)
	}
}

// The allocator owns the upper half of the id space. Ids below MinValue are never
// generated and are free for application-chosen, well-known ids.
const (
	MinValue ObjectID = math.MaxUint64 / 2
	MaxValue ObjectID = math.MaxUint64
	midpoint ObjectID = (MaxValue-MinValue)/2 + MinValue
)

// Ids of the built-in grains hosted by every endpoint. They sit at the top of the server
// range where an allocator reaches them last.
const (
	ServerLatencyID   ObjectID = MaxValue - 1
	ServerHeartbeatID ObjectID = MaxValue - 2
	ClientLatencyID   ObjectID = MaxValue - 3
	ClientHeartbeatID ObjectID = MaxValue - 4

	FirstReservedID = ClientHeartbeatID
)

// IDRange is an inclusive range of ids.
type IDRange struct {
	Min ObjectID
	Max ObjectID
}

func (r IDRange) Contains(id ObjectID) bool {
	return id >= r.Min && id <= r.Max
}

func (r IDRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Min, r.Max)
}

// RangeOf returns the ids an endpoint of the given role allocates from.
func RangeOf(role Role) IDRange {
	if role == RoleServer {
		return IDRange{Min: midpoint, Max: MaxValue}
	}
	return IDRange{Min: MinValue, Max: midpoint - 1}
}

// IDAllocator hands out ids from one range. Reaching the end of the range is terminal:
// the allocator reports ErrGrainIDRangeExhausted from then on.
type IDAllocator struct {
	mu        deadlock.Mutex
	r         IDRange
	next      ObjectID
	exhausted bool
}

func NewIDAllocator(role Role) *IDAllocator {
	return NewIDAllocatorInRange(RangeOf(role))
}

func NewIDAllocatorInRange(r IDRange) *IDAllocator {
	return &IDAllocator{r: r, next: r.Min}
}

func (a *IDAllocator) Range() IDRange {
	return a.r
}

// Next returns a fresh id.
func (a *IDAllocator) Next() (ObjectID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.exhausted || a.next == a.r.Max {
		a.exhausted = true
		return 0, errors.Wrapf(rpcerr.ErrGrainIDRangeExhausted, "range %s", a.r)
	}
	id := a.next
	a.next++
	return id, nil
}
