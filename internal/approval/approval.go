// Package approval implements the single-outstanding human approval
// gate the Maintenance Loop parks a patch behind before hot-swapping
// it in. Only one PendingApproval may exist at a time; a terminal
// prompt and an ApprovalSocket connection race to answer it.
package approval

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrOccupied is returned by Park when an approval is already
// outstanding.
var ErrOccupied = errors.New("approval: another approval is already outstanding")

// ErrNoneOutstanding is returned by Respond when no approval is
// parked. Peek reports that case with ok == false instead.
var ErrNoneOutstanding = errors.New("approval: no approval outstanding")

// ErrIDMismatch is returned by Respond when id does not match the
// outstanding approval.
var ErrIDMismatch = errors.New("approval: id does not match outstanding approval")

// Snapshot is the public, read-only view of a PendingApproval exposed
// to Peek callers (the terminal prompt, the ApprovalSocket).
type Snapshot struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	PatchName   string `json:"patch_name"`
	Skill       string `json:"skill"`
	CreatedMs   int64  `json:"created_ms"`
}

// pending is the internal record; responder is consumed exactly once.
type pending struct {
	Snapshot
	responder chan bool
}

// Bridge guards at most one outstanding PendingApproval.
type Bridge struct {
	mu  sync.Mutex
	cur *pending
}

// NewBridge constructs an empty Bridge.
func NewBridge() *Bridge {
	return &Bridge{}
}

// Park registers a new approval request, returning a receive channel
// that fires exactly once with the operator's decision. Fails with
// ErrOccupied if an approval is already parked.
func (b *Bridge) Park(description, patchName, skill string) (id string, resp <-chan bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur != nil {
		return "", nil, ErrOccupied
	}
	ch := make(chan bool, 1)
	id = uuid.NewString()
	b.cur = &pending{
		Snapshot: Snapshot{
			ID:          id,
			Description: description,
			PatchName:   patchName,
			Skill:       skill,
			CreatedMs:   time.Now().UnixMilli(),
		},
		responder: ch,
	}
	return id, ch, nil
}

// Peek returns a snapshot of the outstanding approval, if any.
func (b *Bridge) Peek() (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return Snapshot{}, false
	}
	return b.cur.Snapshot, true
}

// Respond resolves the outstanding approval if id matches, sending
// approved on its responder channel and clearing the slot. Returns
// ErrNoneOutstanding or ErrIDMismatch otherwise.
func (b *Bridge) Respond(id string, approved bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return ErrNoneOutstanding
	}
	if b.cur.ID != id {
		return ErrIDMismatch
	}
	b.cur.responder <- approved
	close(b.cur.responder)
	b.cur = nil
	return nil
}

// Clear forcibly clears the bridge without sending a response, used
// after a parked approval has already been resolved by whichever of
// the terminal prompt or the socket answered first.
func (b *Bridge) Clear(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur != nil && b.cur.ID == id {
		b.cur = nil
	}
}
