package queue

import "github.com/roach88/mutq/internal/request"

// TrackerState is the state of the ongoing-request slot.
type TrackerState int

const (
	// StateIdle means no request is being dispatched.
	StateIdle TrackerState = iota

	// StateInFlight means one request has been taken and not yet settled.
	StateInFlight
)

func (s TrackerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// tracker holds at most one in-flight request.
// Not safe for concurrent use; the manager guards it with its mutex.
type tracker struct {
	state TrackerState
	req   request.Request

	// foreign is set when the in-flight request was taken by another
	// writer and only mirrored here from the store.
	foreign bool
}

// begin moves Idle -> InFlight(r). Returns false if a request is already in flight.
func (t *tracker) begin(r request.Request) bool {
	if t.state == StateInFlight {
		return false
	}
	t.state = StateInFlight
	t.req = r.Clone()
	t.foreign = false
	return true
}

// mirror replaces whatever is in flight with a request another writer took.
func (t *tracker) mirror(r request.Request) {
	t.reset()
	t.begin(r)
	t.foreign = true
}

// local reports whether a request taken through this tracker is in flight.
func (t *tracker) local() bool {
	return t.state == StateInFlight && !t.foreign
}

// holds reports whether the in-flight request has the given ID.
func (t *tracker) holds(id int64) bool {
	return t.state == StateInFlight && t.req.RequestID == id
}

// finish moves InFlight(id) -> Idle and returns the settled request.
func (t *tracker) finish(id int64) (request.Request, bool) {
	if !t.holds(id) {
		return request.Request{}, false
	}
	return t.reset()
}

// reset forces Idle and returns whatever was in flight.
func (t *tracker) reset() (request.Request, bool) {
	if t.state != StateInFlight {
		return request.Request{}, false
	}
	r := t.req
	t.state = StateIdle
	t.req = request.Request{}
	t.foreign = false
	return r, true
}

// current returns a copy of the in-flight request.
func (t *tracker) current() (request.Request, bool) {
	if t.state != StateInFlight {
		return request.Request{}, false
	}
	return t.req.Clone(), true
}
