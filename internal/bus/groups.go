package bus

import "github.com/rs/zerolog/log"

// AddToGroup resolves targetID through the mailbox table, then the return
// paths, and adds the listener to group. The group is created with owner as
// its owner if absent; it fails when the group has a different owner or the
// target cannot be resolved.
func (r *Registry) AddToGroup(owner Listener, group, targetID string) bool {
	if group == "" || ValidateListener(owner) != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.listenerByMailbox[targetID]
	if !ok {
		target, ok = r.returnPaths.Get(targetID)
	}
	if !ok {
		log.Debug().Str("node", r.name).Str("group", group).Str("target", targetID).Msg("bus.add_to_group: target unresolved")
		return false
	}
	t := r.topics[group]
	if t == nil {
		t = &topic{members: make(map[Listener]struct{}), owner: owner}
		r.topics[group] = t
	} else if t.owner != owner {
		log.Debug().Str("node", r.name).Str("group", group).Msg("bus.add_to_group rejected: not the owner")
		return false
	}
	if _, member := t.members[target]; member {
		return true
	}
	r.addMemberLocked(group, t, target)
	r.exec.Schedule(func() { target.OnAddToGroup(group, targetID) })
	r.notifyLocked()
	return true
}

// CloseGroup tells every member the group closed and deletes it. Only the
// owner may close a group.
func (r *Registry) CloseGroup(owner Listener, group string) bool {
	if ValidateListener(owner) != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[group]
	if !ok || t.owner == nil || t.owner != owner {
		return false
	}
	r.closeGroupLocked(group, t, nil)
	r.notifyLocked()
	return true
}

// CloseAllGroups closes every group owned by owner.
func (r *Registry) CloseAllGroups(owner Listener) {
	if ValidateListener(owner) != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closeGroupsOwnedLocked(owner) {
		r.notifyLocked()
	}
}

func (r *Registry) closeGroupsOwnedLocked(owner Listener) bool {
	closed := false
	for name, t := range r.topics {
		if t.owner == owner {
			r.closeGroupLocked(name, t, owner)
			closed = true
		}
	}
	return closed
}

// closeGroupLocked notifies members except skip and removes the group.
func (r *Registry) closeGroupLocked(name string, t *topic, skip Listener) {
	for member := range t.members {
		if set := r.memberships[member]; set != nil {
			delete(set, name)
			if len(set) == 0 {
				delete(r.memberships, member)
			}
		}
		if member == skip {
			continue
		}
		l := member
		r.exec.Schedule(func() { l.OnCloseGroup(name) })
	}
	delete(r.topics, name)
}
