package threading

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// Threadable is the part of a message the builder needs.
type Threadable struct {
	LocalID    string
	MessageID  string
	InReplyTo  []string
	References []string
	Subject    string
	Date       time.Time
}

// ThreadGroup is one conversation produced by Build.
// MessageIDs holds local ids ordered by date ascending.
type ThreadGroup struct {
	ThreadID   string
	RootID     string
	MessageIDs []string
}

const noNode = -1

// container is one node in the arena. msg is an index into the sorted input, or noNode for a
// phantom that is referenced but was not part of the batch.
type container struct {
	id       string
	msg      int
	parent   int
	children []int
}

type arena struct {
	nodes []container
	index map[string]int
	items []Threadable
}

// ThreadID derives the stable thread id from a root identifier.
func ThreadID(rootID string) string {
	sum := sha256.Sum256([]byte(rootID))
	return "t" + hex.EncodeToString(sum[:])[:24]
}

// SyntheticMessageID is the identifier used for a message that has no Message-ID header.
func SyntheticMessageID(localID string) string {
	return "local:" + localID
}

// Build groups messages into conversations.
//
// The result depends only on the set of messages given, not on their order. A thread's id is
// derived from its root container, which may be a phantom, so building over a reply alone
// yields the same id as building over the whole conversation.
func Build(items []Threadable) []ThreadGroup {
	sorted := make([]Threadable, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return lessByDate(sorted[i].Date, sorted[i].LocalID, sorted[j].Date, sorted[j].LocalID)
	})

	a := &arena{
		nodes: make([]container, 0, len(sorted)*2),
		index: make(map[string]int, len(sorted)*2),
		items: sorted,
	}

	for i := range sorted {
		a.addMessage(i)
	}

	a.mergeRootsBySubject()
	return a.collect()
}

func (a *arena) get(id string) int {
	if idx, ok := a.index[id]; ok {
		return idx
	}
	a.nodes = append(a.nodes, container{id: id, msg: noNode, parent: noNode})
	idx := len(a.nodes) - 1
	a.index[id] = idx
	return idx
}

func (a *arena) addMessage(i int) {
	item := a.items[i]
	id := NormalizeMessageID(item.MessageID)
	if id == "" {
		id = SyntheticMessageID(item.LocalID)
	}

	self := a.get(id)
	if a.nodes[self].msg != noNode {
		// Same Message-ID seen twice in one batch: hang the copy under the first one.
		dup := a.get("dup:" + item.LocalID)
		a.nodes[dup].msg = i
		a.link(self, dup)
		return
	}
	a.nodes[self].msg = i

	refs := make([]string, 0, len(item.References))
	for _, r := range item.References {
		refs = append(refs, NormalizeMessageID(r))
	}
	replyTo := make([]string, 0, len(item.InReplyTo))
	for _, r := range item.InReplyTo {
		replyTo = append(replyTo, NormalizeMessageID(r))
	}
	chain := referenceChain(id, refs, replyTo)
	if len(chain) == 0 {
		return
	}

	prev := a.get(chain[0])
	for _, ref := range chain[1:] {
		next := a.get(ref)
		a.link(prev, next)
		prev = next
	}
	a.link(prev, self)
}

// link makes parent the parent of child unless child already has one or the link would
// introduce a cycle.
func (a *arena) link(parent, child int) {
	if parent == child || a.nodes[child].parent != noNode {
		return
	}
	if a.isAncestor(child, parent) {
		return
	}
	a.nodes[child].parent = parent
	a.nodes[parent].children = append(a.nodes[parent].children, child)
}

// isAncestor reports whether candidate is node or one of its ancestors.
func (a *arena) isAncestor(candidate, node int) bool {
	for steps := 0; node != noNode && steps <= len(a.nodes); steps++ {
		if node == candidate {
			return true
		}
		node = a.nodes[node].parent
	}
	return false
}

func (a *arena) roots() []int {
	roots := make([]int, 0)
	for i := range a.nodes {
		if a.nodes[i].parent == noNode {
			roots = append(roots, i)
		}
	}
	sort.Slice(roots, func(i, j int) bool {
		return a.nodes[roots[i]].id < a.nodes[roots[j]].id
	})
	return roots
}

// earliest returns the index of the oldest real message under node, or noNode.
func (a *arena) earliest(node int) int {
	best := noNode
	a.walk(node, func(msg int) {
		if best == noNode {
			best = msg
			return
		}
		m, b := a.items[msg], a.items[best]
		if lessByDate(m.Date, m.LocalID, b.Date, b.LocalID) {
			best = msg
		}
	})
	return best
}

func (a *arena) rootSubject(node int) string {
	msg := a.nodes[node].msg
	if msg == noNode {
		msg = a.earliest(node)
	}
	if msg == noNode {
		return ""
	}
	return subjectKey(a.items[msg].Subject)
}

func (a *arena) mergeRootsBySubject() {
	bySubject := make(map[string]int)
	for _, root := range a.roots() {
		key := a.rootSubject(root)
		if key == "" {
			continue
		}
		other, ok := bySubject[key]
		if !ok {
			bySubject[key] = root
			continue
		}

		survivor, absorbed := a.pickSurvivor(other, root)
		a.link(survivor, absorbed)
		bySubject[key] = survivor
	}
}

// pickSurvivor decides which of two colliding roots stays a root.
// A phantom beats a real message. Between two phantoms the smaller id wins. Between two real
// messages the older one wins, with the id as tie breaker.
func (a *arena) pickSurvivor(x, y int) (survivor, absorbed int) {
	xPhantom := a.nodes[x].msg == noNode
	yPhantom := a.nodes[y].msg == noNode
	switch {
	case xPhantom && !yPhantom:
		return x, y
	case yPhantom && !xPhantom:
		return y, x
	case xPhantom && yPhantom:
		if a.nodes[x].id <= a.nodes[y].id {
			return x, y
		}
		return y, x
	}

	mx, my := a.items[a.nodes[x].msg], a.items[a.nodes[y].msg]
	if mx.Date.Equal(my.Date) {
		if a.nodes[x].id <= a.nodes[y].id {
			return x, y
		}
		return y, x
	}
	if mx.Date.Before(my.Date) {
		return x, y
	}
	return y, x
}

func (a *arena) walk(node int, visit func(msg int)) {
	stack := []int{node}
	seen := make(map[int]bool)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		if a.nodes[n].msg != noNode {
			visit(a.nodes[n].msg)
		}
		stack = append(stack, a.nodes[n].children...)
	}
}

func (a *arena) collect() []ThreadGroup {
	groups := make([]ThreadGroup, 0)
	firstDates := make(map[string]time.Time)
	for _, root := range a.roots() {
		msgs := make([]int, 0)
		a.walk(root, func(msg int) { msgs = append(msgs, msg) })
		if len(msgs) == 0 {
			continue
		}
		sort.Slice(msgs, func(i, j int) bool {
			mi, mj := a.items[msgs[i]], a.items[msgs[j]]
			return lessByDate(mi.Date, mi.LocalID, mj.Date, mj.LocalID)
		})

		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = a.items[m].LocalID
		}
		rootID := a.nodes[root].id
		group := ThreadGroup{
			ThreadID:   ThreadID(rootID),
			RootID:     rootID,
			MessageIDs: ids,
		}
		firstDates[group.ThreadID] = a.items[msgs[0]].Date
		groups = append(groups, group)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		di, dj := firstDates[groups[i].ThreadID], firstDates[groups[j].ThreadID]
		return lessByDate(di, groups[i].ThreadID, dj, groups[j].ThreadID)
	})
	return groups
}

func lessByDate(ti time.Time, idI string, tj time.Time, idJ string) bool {
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	return idI < idJ
}
