package vkgraph

import "fmt"

// group ties a set of resources together so that their synchronization
// state is computed jointly: one per-queue writer vector, one reader
// vector, one set of stage/access masks for all members. Image layouts
// and pending binary semaphores remain per-member.
type group struct {
	id      GroupID
	members []ResourceID
	state   trackingState
}

// NewGroup opens a resource group over the given resources. Their
// current synchronization states are joined into the group record;
// from then on all read/write bookkeeping applies to the group until
// it is dissolved. Groups may not overlap: a resource can belong to at
// most one group at a time.
//
// NewGroup must be called outside an open frame.
func (d *Device) NewGroup(ids ...ResourceID) (GroupID, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: empty group", ErrInvalidAccess)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frameOpen {
		return 0, ErrFrameOpen
	}

	members := make([]*resource, 0, len(ids))
	for _, id := range ids {
		r, ok := d.resources[id]
		if !ok {
			return 0, fmt.Errorf("%w: %d", ErrUnknownResource, id)
		}
		if r.group.IsValid() {
			return 0, fmt.Errorf("%w: resource %q already grouped", ErrResourceInGroup, r.name)
		}
		members = append(members, r)
	}

	d.nextGroupID++
	g := &group{id: GroupID(d.nextGroupID), members: append([]ResourceID(nil), ids...)}

	// The group state starts at the join of the members' states: wait
	// for every member's writer (they may sit on different queues),
	// remember all readers, and make the union of the stage/access
	// masks the joint source of future barriers.
	for _, r := range members {
		t := &r.tracking
		g.state.writers = g.state.writers.Join(t.writers)
		g.state.readers = g.state.readers.Join(t.readers)
		g.state.availability |= t.availability
		g.state.visibility |= t.visibility
		g.state.stages |= t.stages
		r.group = g.id
	}

	d.groups[g.id] = g
	return g.id, nil
}

// DissolveGroup dissolves a resource group: each member inherits the
// group's joint synchronization state and becomes individually tracked
// again.
//
// DissolveGroup must be called outside an open frame.
func (d *Device) DissolveGroup(id GroupID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frameOpen {
		return ErrFrameOpen
	}
	g, ok := d.groups[id]
	if !ok {
		return fmt.Errorf("%w: group %d", ErrUnknownResource, id)
	}
	for _, rid := range g.members {
		r, ok := d.resources[rid]
		if !ok {
			continue
		}
		r.tracking.writers = g.state.writers
		r.tracking.readers = g.state.readers
		r.tracking.availability = g.state.availability
		r.tracking.visibility = g.state.visibility
		r.tracking.stages = g.state.stages
		r.group = 0
	}
	delete(d.groups, id)
	return nil
}
