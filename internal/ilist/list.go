// Package ilist implements the intrusive doubly-linked list and
// ref-counted node adapter described in spec §4.4 (L4).
//
// The Rust original addresses a link field by its byte offset inside the
// node (impl_simple_intrusive_adapter!); Go has no portable field-offset
// arithmetic for arbitrary structs, so the adapter here is a one-method
// interface (Adapter.LinkOf) implemented once per (node type, link
// field) pair. This preserves the original's central property: one node
// type can embed several independent link fields and be linked into
// several lists simultaneously, each addressed by its own adapter.
//
// Detach is O(1) and idempotent, matching spec §4.4. The list type
// itself is not thread-safe; callers provide their own spinlock exactly
// as the spec requires ("concurrent access is mediated by an external
// spinlock held by the containing object").
package ilist

// Link is the embeddable link field. A node embeds one Link per list it
// can be a member of.
type Link[T any] struct {
	prev, next *T
	linked     bool
}

// Linked reports whether the node is currently a member of some list via
// this link field.
func (l *Link[T]) Linked() bool { return l.linked }

// Adapter knows how to find a node's Link field for one particular list.
// Implementations are typically a single-line function value, one per
// (node type, field) pair, e.g.:
//
//	var ReadyLink ilist.AdapterFunc[Thread] = func(t *Thread) *ilist.Link[Thread] { return &t.schedLink }
type Adapter[T any] interface {
	LinkOf(n *T) *Link[T]
}

// AdapterFunc implements Adapter via a plain function, the idiomatic Go
// substitute for the original's per-field adapter types.
type AdapterFunc[T any] func(*T) *Link[T]

func (f AdapterFunc[T]) LinkOf(n *T) *Link[T] { return f(n) }

// List is an intrusive doubly-linked FIFO list of *T, addressed through
// an Adapter. The zero value is an empty, usable list.
type List[T any] struct {
	adapter  Adapter[T]
	head, tail *T
	length   int
}

// New returns an empty list using the given adapter.
func New[T any](adapter Adapter[T]) *List[T] {
	return &List[T]{adapter: adapter}
}

// Len returns the number of linked nodes.
func (l *List[T]) Len() int { return l.length }

// Empty reports whether the list has no nodes.
func (l *List[T]) Empty() bool { return l.length == 0 }

// Front returns the head node, or nil if empty.
func (l *List[T]) Front() *T { return l.head }

func (l *List[T]) link(n *T) *Link[T] { return l.adapter.LinkOf(n) }

// PushBack appends n to the tail. n must not already be linked into this
// list (pushing an already-linked node is a programming error, not
// handled defensively — see spec §7: precondition violations belong to
// the caller).
func (l *List[T]) PushBack(n *T) {
	lk := l.link(n)
	lk.prev, lk.next = l.tail, nil
	if l.tail != nil {
		l.link(l.tail).next = n
	} else {
		l.head = n
	}
	l.tail = n
	lk.linked = true
	l.length++
}

// PushFront prepends n to the head.
func (l *List[T]) PushFront(n *T) {
	lk := l.link(n)
	lk.prev, lk.next = nil, l.head
	if l.head != nil {
		l.link(l.head).prev = n
	} else {
		l.tail = n
	}
	l.head = n
	lk.linked = true
	l.length++
}

// PopFront removes and returns the head node, or nil if empty.
func (l *List[T]) PopFront() *T {
	n := l.head
	if n == nil {
		return nil
	}
	l.Detach(n)
	return n
}

// Detach removes n from the list. It is O(1) and idempotent: detaching a
// node that isn't linked into this list is a no-op (spec §4.4).
func (l *List[T]) Detach(n *T) {
	lk := l.link(n)
	if !lk.linked {
		return
	}
	if lk.prev != nil {
		l.link(lk.prev).next = lk.next
	} else {
		l.head = lk.next
	}
	if lk.next != nil {
		l.link(lk.next).prev = lk.prev
	} else {
		l.tail = lk.prev
	}
	lk.prev, lk.next, lk.linked = nil, nil, false
	l.length--
}

// Iter calls fn for every node from head to tail. fn must not mutate the
// list's linkage for the adapter being iterated; detaching the *current*
// node is safe (the next pointer is captured before the call).
func (l *List[T]) Iter(fn func(*T) bool) {
	for n := l.head; n != nil; {
		next := l.link(n).next
		if !fn(n) {
			return
		}
		n = next
	}
}

// InsertSorted inserts n in the position that keeps the list ordered by
// less (n is inserted before the first existing element for which
// less(n, existing) is true; ties keep the original FIFO order for
// stable priority-sorted wait queues, spec §4.8).
func (l *List[T]) InsertSorted(n *T, less func(a, b *T) bool) {
	var at *T
	l.Iter(func(cur *T) bool {
		if less(n, cur) {
			at = cur
			return false
		}
		return true
	})
	if at == nil {
		l.PushBack(n)
		return
	}
	lk, atlk := l.link(n), l.link(at)
	lk.prev, lk.next = atlk.prev, at
	if atlk.prev != nil {
		l.link(atlk.prev).next = n
	} else {
		l.head = n
	}
	atlk.prev = n
	lk.linked = true
	l.length++
}
