// Package iplist implements the outbound candidate list: the ordered
// set of IP addresses a delivery attempt tries in turn, built from MX
// records (or a synthesized A/AAAA fallback) and annotated as the
// session works through it.
//
// The legacy qmail-style sentinel priorities (65536 for a synthesized
// AAAA/A fallback, 65537 for "tried and failed", 65538 for "currently
// active") are kept as documented constants, but the try/active state
// itself is tracked with an explicit State field rather than by
// comparing priorities, so there's exactly one source of truth for
// "which candidate is active".
package iplist

import "net"

// Sentinel priority values. Any real MX preference value is expected
// to be well below these.
const (
	// PrioritySynthesized marks a candidate synthesized from AAAA/A
	// because the name had no MX records.
	PrioritySynthesized = 65536
	// PriorityTried marks a candidate that was attempted and failed
	// (kept for compatibility with callers that inspect Priority
	// directly; State is authoritative).
	PriorityTried = 65537
	// PriorityActive marks the candidate currently in use.
	PriorityActive = 65538
)

// State is the explicit lifecycle state of a candidate, kept separate
// from the legacy priority sentinels above.
type State int

const (
	// Pending means the candidate has not been tried yet.
	Pending State = iota
	// Tried means a connection attempt to this candidate failed.
	Tried
	// Active means this is the candidate currently in use. Exactly one
	// candidate in a List is ever Active at a time.
	Active
)

// Candidate is a single outbound delivery target.
type Candidate struct {
	Addr     net.IP
	Priority uint32
	Name     string
	State    State

	next *Candidate
}

// List is a singly linked, priority-ordered sequence of candidates.
type List struct {
	head *Candidate
	len  int
}

// Len returns the number of candidates in the list.
func (l *List) Len() int { return l.len }

// Each calls f for every candidate in priority order.
func (l *List) Each(f func(*Candidate)) {
	for c := l.head; c != nil; c = c.next {
		f(c)
	}
}

// Slice returns the candidates as a plain slice, in priority order.
func (l *List) Slice() []*Candidate {
	out := make([]*Candidate, 0, l.len)
	l.Each(func(c *Candidate) { out = append(out, c) })
	return out
}

// Insert adds a candidate in priority order (stable: candidates with
// equal priority keep their relative insertion order), using a simple
// insertion sort since these lists are always small.
func (l *List) Insert(c *Candidate) {
	c.next = nil
	l.len++

	if l.head == nil || c.Priority < l.head.Priority {
		c.next = l.head
		l.head = c
		return
	}

	prev := l.head
	for prev.next != nil && prev.next.Priority <= c.Priority {
		prev = prev.next
	}
	c.next = prev.next
	prev.next = c
}

// FromMX builds a list from a slice of (host, priority) pairs already
// resolved to addresses by the caller; addrs maps a host name to its
// resolved IPs.
func FromMX(hosts []string, prios []uint32, addrs map[string][]net.IP) *List {
	l := &List{}
	for i, host := range hosts {
		for _, addr := range addrs[host] {
			l.Insert(&Candidate{Addr: addr, Priority: prios[i], Name: host})
		}
	}
	return l
}

// FromAddrs builds a synthesized-fallback list (no MX records existed)
// from a bare list of addresses, all sharing PrioritySynthesized so
// that any later, separately discovered true MX always sorts ahead of
// them.
func FromAddrs(name string, addrs []net.IP) *List {
	l := &List{}
	for _, addr := range addrs {
		l.Insert(&Candidate{Addr: addr, Priority: PrioritySynthesized, Name: name})
	}
	return l
}

// NextPending returns the first candidate still in the Pending state,
// or nil if no candidate is Pending.
func (l *List) NextPending() *Candidate {
	var found *Candidate
	l.Each(func(c *Candidate) {
		if found == nil && c.State == Pending {
			found = c
		}
	})
	return found
}

// MarkActive transitions c to Active, marking every other Pending
// candidate ahead of it (by list order) as Tried, preserving the
// invariant that at most one candidate is ever Active.
func (l *List) MarkActive(active *Candidate) {
	before := true
	l.Each(func(c *Candidate) {
		if c == active {
			c.State = Active
			c.Priority = PriorityActive
			before = false
		} else if before && c.State == Pending {
			c.State = Tried
			c.Priority = PriorityTried
		}
	})
}

// MarkTried transitions c to Tried, for a single failed attempt that
// should not affect other pending candidates.
func (l *List) MarkTried(c *Candidate) {
	c.State = Tried
	c.Priority = PriorityTried
}
