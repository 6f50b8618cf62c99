package bus

import "sort"

// TopicInfo is one topic in a Snapshot.
type TopicInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
	Group   bool   `json:"group"`
}

// Snapshot is a point-in-time view of registry state for admin endpoints.
type Snapshot struct {
	Name         string      `json:"name"`
	Serial       string      `json:"serial"`
	Winner       string      `json:"winner"`
	WinnerRemote bool        `json:"winner_remote"`
	Topics       []TopicInfo `json:"topics"`
	Mailboxes    int         `json:"mailboxes"`
	ReturnPaths  int         `json:"return_paths"`
	Monitors     int         `json:"monitors"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		Name:         r.name,
		Serial:       r.serial.my,
		Winner:       r.serial.current,
		WinnerRemote: r.serial.source != nil,
		Topics:       make([]TopicInfo, 0, len(r.topics)),
		Mailboxes:    len(r.mailboxByListener),
		ReturnPaths:  r.returnPaths.Len(),
		Monitors:     len(r.monitors),
	}
	for name, t := range r.topics {
		snap.Topics = append(snap.Topics, TopicInfo{Name: name, Members: len(t.members), Group: t.owner != nil})
	}
	sort.Slice(snap.Topics, func(i, j int) bool {
		return snap.Topics[i].Name < snap.Topics[j].Name
	})
	return snap
}
