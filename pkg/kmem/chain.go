package kmem

// Chain walkers are lazy: each call to Next performs the reads for one
// element. A walk is cancelled by not calling Next again and restarted by
// creating a new walker.
//
//	w := a.WalkChain(start, node, "next", -1)
//	for w.Next() {
//		use(w.Index(), w.Value())
//	}
//	if err := w.Err(); err != nil {
//		...
//	}

func checkLink(node FieldSet, typeName, link string) error {
	if !node.HasField(link) {
		return &NoSuchFieldError{Type: typeName, Field: link}
	}
	return nil
}

// ChainWalker iterates a NULL terminated chain of nodes linked through a
// pointer member.
type ChainWalker struct {
	a        *Accessor
	node     *Type
	link     string
	maxDepth int

	next      uint64
	step      int
	truncated bool

	cur   Value
	index int
	err   error
	done  bool
}

// WalkChain walks the chain of node objects starting at start, following
// the pointer member link. Walking stops at a NULL link or once the step
// index exceeds maxDepth, so at most maxDepth+1 nodes are produced. A
// negative maxDepth only stops at NULL. No cycle detection is done.
func (a *Accessor) WalkChain(start uint64, node *Type, link string, maxDepth int) *ChainWalker {
	w := &ChainWalker{a: a, node: node, link: link, maxDepth: maxDepth, next: start, index: -1}
	if start == 0 {
		w.done = true
		return w
	}
	w.err = checkLink(node, node.String(), link)
	return w
}

// Next advances to the next node and returns false at the end of the chain
// or on error.
func (w *ChainWalker) Next() bool {
	if w.done || w.err != nil {
		return false
	}
	if w.next == 0 || (w.maxDepth >= 0 && w.step > w.maxDepth) {
		w.truncated = w.next != 0
		w.done = true
		return false
	}
	v, err := w.a.Load(At(w.next, w.node))
	if err != nil {
		w.err = err
		return false
	}
	next, err := w.a.FieldPointer(v, w.link)
	if err != nil {
		w.err = err
		return false
	}
	w.cur = v
	w.index = w.step
	w.step++
	w.next = next
	return true
}

// Value returns the current node.
func (w *ChainWalker) Value() Value { return w.cur }

// Index returns the step index of the current node, starting at 0.
func (w *ChainWalker) Index() int { return w.index }

// Err returns the error that stopped the walk, if any.
func (w *ChainWalker) Err() error { return w.err }

// Truncated returns true if the walk stopped at maxDepth with nodes left.
func (w *ChainWalker) Truncated() bool { return w.truncated }

// Rest returns the address of the first node not produced by a truncated
// walk.
func (w *ChainWalker) Rest() uint64 {
	if !w.truncated {
		return 0
	}
	return w.next
}

// ListOptions configures a circular list walk.
type ListOptions struct {
	// Next is the name of the forward member of the link type. Defaults
	// to "next".
	Next string
	// Limit bounds the number of produced elements, 0 means no bound.
	Limit int
}

// ListWalker iterates a circular intrusive list.
type ListWalker struct {
	a    *Accessor
	head uint64
	node *Type
	link string
	opts ListOptions

	// direct is set when the link member points to the next node itself
	// rather than to the link member of the next node.
	direct  bool
	linkOff int64

	cur   uint64
	seen  map[uint64]bool
	count int

	val  Value
	err  error
	done bool
}

// WalkList walks the circular list anchored at head, producing the node
// objects that contain each link through their member link. The walk ends
// when it comes back to head or reaches a zero link. A link reached twice
// without passing through head ends the walk with a *CorruptListError.
//
// head may be a pointer to the anchor. When the anchor has no forward
// member its first word is used.
//
// When link is a pointer to node, as in struct node { ...; struct node
// *next; }, the list is a ring of nodes and head is the sentinel node. The
// stored pointers are node addresses and the walk ends when it comes back
// to the sentinel.
func (a *Accessor) WalkList(head Value, node *Type, link string, opts ListOptions) *ListWalker {
	if opts.Next == "" {
		opts.Next = "next"
	}
	w := &ListWalker{a: a, node: node, link: link, opts: opts}
	if head.Type != nil && head.Type.Kind == Pointer {
		var err error
		head, err = a.Deref(head)
		if err != nil {
			w.err = err
			return w
		}
	}
	if head.IsNull() {
		w.done = true
		return w
	}
	if w.err = checkLink(node, node.String(), link); w.err != nil {
		return w
	}
	f, _ := node.Field(link)
	w.linkOff = f.Offset
	if f.Type.Kind == Pointer {
		if e := f.Type.Elem(); e == node || (e != nil && e.String() == node.String()) {
			w.direct = true
		}
	}
	w.head = head.Addr
	if w.direct {
		w.cur, w.err = w.a.ReadUint(head.Addr+uint64(w.linkOff), PtrSize)
	} else {
		w.cur, w.err = w.forward(head)
	}
	w.seen = make(map[uint64]bool)
	return w
}

// forward reads the forward pointer of a link object.
func (w *ListWalker) forward(l Value) (uint64, error) {
	if l.Type != nil && l.Type.HasField(w.opts.Next) {
		return w.a.FieldPointer(l, w.opts.Next)
	}
	return w.a.ReadUint(l.Addr, PtrSize)
}

// Next advances to the next element of the list.
func (w *ListWalker) Next() bool {
	if w.done || w.err != nil {
		return false
	}
	if w.cur == 0 || w.cur == w.head || (w.opts.Limit > 0 && w.count >= w.opts.Limit) {
		w.done = true
		return false
	}
	if w.seen[w.cur] {
		w.err = &CorruptListError{Head: w.head, Link: w.cur, Count: w.count}
		return false
	}
	w.seen[w.cur] = true

	v := At(w.cur, w.node)
	var err error
	if !w.direct {
		v, err = w.a.ContainerOf(w.cur, w.node, w.link)
	}
	if err == nil {
		v, err = w.a.Load(v)
	}
	if err != nil {
		w.err = err
		return false
	}
	l, err := w.a.ReadField(v, w.link)
	if err != nil {
		w.err = err
		return false
	}
	var next uint64
	if l.Type.Kind == Pointer {
		next = l.Pointer()
	} else {
		next, err = w.forward(l)
		if err != nil {
			w.err = err
			return false
		}
	}
	w.val = v
	w.count++
	w.cur = next
	return true
}

// Value returns the current element.
func (w *ListWalker) Value() Value { return w.val }

// Index returns the position of the current element, starting at 0.
func (w *ListWalker) Index() int { return w.count - 1 }

// Err returns the error that stopped the walk, if any.
func (w *ListWalker) Err() error { return w.err }
