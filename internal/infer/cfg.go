package infer

import (
	tree_sitter "github.com/tree-sitter/go-tree-sitter"
)

// EdgeKind labels a control-flow edge.
type EdgeKind int

const (
	EdgeFallthrough EdgeKind = iota
	EdgeBranchTrue
	EdgeBranchFalse
	EdgeLoop
	EdgeException
	EdgeReturn
	EdgeBreak
	EdgeNext
	EdgeUnconditional
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeBranchTrue:
		return "branch-true"
	case EdgeBranchFalse:
		return "branch-false"
	case EdgeLoop:
		return "loop"
	case EdgeException:
		return "exception"
	case EdgeReturn:
		return "return"
	case EdgeBreak:
		return "break"
	case EdgeNext:
		return "next"
	case EdgeUnconditional:
		return "goto"
	}
	return "fallthrough"
}

// Guard carries the condition an edge was taken under, so the narrowing
// transfer can split types along it. For case dispatch Subject and
// Patterns replace Cond; a when arm with several comma-separated
// alternatives carries one pattern node each.
type Guard struct {
	Cond     *tree_sitter.Node
	Subject  *tree_sitter.Node
	Patterns []*tree_sitter.Node
}

// Edge is one successor link.
type Edge struct {
	To    int
	Kind  EdgeKind
	Guard *Guard
}

// Block is a straight-line statement run.
type Block struct {
	ID    int
	Stmts []*tree_sitter.Node
	Succs []Edge
}

// CFG is the per-method control-flow graph. Blocks[Entry] is the entry,
// Blocks[Exit] the synthetic exit every return reaches.
type CFG struct {
	Blocks []*Block
	Entry  int
	Exit   int
}

type loopCtx struct {
	head int // Next target
	exit int // Break target
}

type cfgBuilder struct {
	cfg     *CFG
	cur     *Block
	loops   []loopCtx
	rescues []int // active rescue handler blocks
	exit    int
}

// BuildCFG lowers a method body into basic blocks. A nil body produces a
// graph with only entry and exit.
func BuildCFG(body *tree_sitter.Node) *CFG {
	b := &cfgBuilder{cfg: &CFG{}}
	entry := b.newBlock()
	exitBlk := b.newBlock()
	b.cfg.Entry = entry.ID
	b.cfg.Exit = exitBlk.ID
	b.exit = exitBlk.ID
	b.cur = entry

	if body != nil {
		b.stmtList(body)
	}
	b.link(b.cur, b.exit, EdgeFallthrough, nil)
	return b.cfg
}

func (b *cfgBuilder) newBlock() *Block {
	blk := &Block{ID: len(b.cfg.Blocks)}
	b.cfg.Blocks = append(b.cfg.Blocks, blk)
	return blk
}

func (b *cfgBuilder) link(from *Block, to int, kind EdgeKind, g *Guard) {
	if from == nil {
		return
	}
	from.Succs = append(from.Succs, Edge{To: to, Kind: kind, Guard: g})
}

// startBlock makes blk the current block, abandoning an already
// terminated predecessor.
func (b *cfgBuilder) startBlock(blk *Block) {
	b.cur = blk
}

func (b *cfgBuilder) stmtList(n *tree_sitter.Node) {
	for i := uint(0); i < n.NamedChildCount(); i++ {
		if c := n.NamedChild(i); c != nil {
			b.stmt(c)
		}
	}
}

func (b *cfgBuilder) stmt(n *tree_sitter.Node) {
	switch n.Kind() {
	case "if", "unless":
		b.conditional(n, n.Kind() == "unless")
	case "if_modifier", "unless_modifier":
		b.modifierConditional(n, n.Kind() == "unless_modifier")
	case "while", "until":
		b.loop(n, n.Kind() == "until")
	case "while_modifier", "until_modifier":
		b.modifierLoop(n)
	case "for":
		b.forLoop(n)
	case "case":
		b.caseDispatch(n)
	case "begin":
		b.beginRescue(n)
	case "return":
		b.cur.Stmts = append(b.cur.Stmts, n)
		b.link(b.cur, b.exit, EdgeReturn, nil)
		b.startBlock(b.newBlock())
	case "break":
		b.cur.Stmts = append(b.cur.Stmts, n)
		if len(b.loops) > 0 {
			b.link(b.cur, b.loops[len(b.loops)-1].exit, EdgeBreak, nil)
		} else {
			b.link(b.cur, b.exit, EdgeBreak, nil)
		}
		b.startBlock(b.newBlock())
	case "next":
		b.cur.Stmts = append(b.cur.Stmts, n)
		if len(b.loops) > 0 {
			b.link(b.cur, b.loops[len(b.loops)-1].head, EdgeNext, nil)
		} else {
			b.link(b.cur, b.exit, EdgeNext, nil)
		}
		b.startBlock(b.newBlock())
	default:
		b.cur.Stmts = append(b.cur.Stmts, n)
		if len(b.rescues) > 0 && mayRaise(n) {
			b.link(b.cur, b.rescues[len(b.rescues)-1], EdgeException, nil)
			next := b.newBlock()
			b.link(b.cur, next.ID, EdgeFallthrough, nil)
			b.startBlock(next)
		}
	}
}

// mayRaise marks statements that can transfer to a rescue handler. Calls
// and explicit raises are the interesting cases.
func mayRaise(n *tree_sitter.Node) bool {
	switch n.Kind() {
	case "call", "assignment", "operator_assignment", "identifier":
		return true
	}
	return false
}

func (b *cfgBuilder) conditional(n *tree_sitter.Node, negated bool) {
	cond := n.ChildByFieldName("condition")
	b.cur.Stmts = append(b.cur.Stmts, n)
	guard := &Guard{Cond: cond}

	trueKind, falseKind := EdgeBranchTrue, EdgeBranchFalse
	if negated {
		trueKind, falseKind = falseKind, trueKind
	}

	head := b.cur
	join := b.newBlock()

	thenBlk := b.newBlock()
	b.link(head, thenBlk.ID, trueKind, guard)
	b.startBlock(thenBlk)
	if cons := n.ChildByFieldName("consequence"); cons != nil {
		b.stmtList(cons)
	}
	b.link(b.cur, join.ID, EdgeFallthrough, nil)

	if alt := n.ChildByFieldName("alternative"); alt != nil {
		elseBlk := b.newBlock()
		b.link(head, elseBlk.ID, falseKind, guard)
		b.startBlock(elseBlk)
		switch alt.Kind() {
		case "else":
			b.stmtList(alt)
		case "elsif":
			b.conditional(alt, false)
		default:
			b.stmt(alt)
		}
		b.link(b.cur, join.ID, EdgeFallthrough, nil)
	} else {
		b.link(head, join.ID, falseKind, guard)
	}

	b.startBlock(join)
}

func (b *cfgBuilder) modifierConditional(n *tree_sitter.Node, negated bool) {
	cond := n.ChildByFieldName("condition")
	body := n.ChildByFieldName("body")
	guard := &Guard{Cond: cond}

	trueKind, falseKind := EdgeBranchTrue, EdgeBranchFalse
	if negated {
		trueKind, falseKind = falseKind, trueKind
	}

	head := b.cur
	join := b.newBlock()
	blk := b.newBlock()
	b.link(head, blk.ID, trueKind, guard)
	b.link(head, join.ID, falseKind, guard)
	b.startBlock(blk)
	if body != nil {
		b.stmt(body)
	}
	b.link(b.cur, join.ID, EdgeFallthrough, nil)
	b.startBlock(join)
}

func (b *cfgBuilder) loop(n *tree_sitter.Node, negated bool) {
	cond := n.ChildByFieldName("condition")
	guard := &Guard{Cond: cond}

	trueKind, falseKind := EdgeBranchTrue, EdgeBranchFalse
	if negated {
		trueKind, falseKind = falseKind, trueKind
	}

	head := b.newBlock()
	b.link(b.cur, head.ID, EdgeFallthrough, nil)
	after := b.newBlock()

	bodyBlk := b.newBlock()
	b.link(head, bodyBlk.ID, trueKind, guard)
	b.link(head, after.ID, falseKind, guard)

	b.loops = append(b.loops, loopCtx{head: head.ID, exit: after.ID})
	b.startBlock(bodyBlk)
	if body := n.ChildByFieldName("body"); body != nil {
		b.stmtList(body)
	}
	b.link(b.cur, head.ID, EdgeLoop, nil)
	b.loops = b.loops[:len(b.loops)-1]

	b.startBlock(after)
}

func (b *cfgBuilder) modifierLoop(n *tree_sitter.Node) {
	head := b.newBlock()
	b.link(b.cur, head.ID, EdgeFallthrough, nil)
	after := b.newBlock()
	guard := &Guard{Cond: n.ChildByFieldName("condition")}

	b.loops = append(b.loops, loopCtx{head: head.ID, exit: after.ID})
	b.startBlock(head)
	if body := n.ChildByFieldName("body"); body != nil {
		b.stmt(body)
	}
	b.link(b.cur, head.ID, EdgeLoop, guard)
	b.link(b.cur, after.ID, EdgeBranchFalse, guard)
	b.loops = b.loops[:len(b.loops)-1]
	b.startBlock(after)
}

func (b *cfgBuilder) forLoop(n *tree_sitter.Node) {
	head := b.newBlock()
	b.link(b.cur, head.ID, EdgeFallthrough, nil)
	after := b.newBlock()
	bodyBlk := b.newBlock()
	b.link(head, bodyBlk.ID, EdgeBranchTrue, nil)
	b.link(head, after.ID, EdgeBranchFalse, nil)

	b.loops = append(b.loops, loopCtx{head: head.ID, exit: after.ID})
	b.startBlock(bodyBlk)
	if body := n.ChildByFieldName("body"); body != nil {
		b.stmtList(body)
	}
	b.link(b.cur, head.ID, EdgeLoop, nil)
	b.loops = b.loops[:len(b.loops)-1]
	b.startBlock(after)
}

func (b *cfgBuilder) caseDispatch(n *tree_sitter.Node) {
	subject := n.ChildByFieldName("value")
	b.cur.Stmts = append(b.cur.Stmts, n)
	head := b.cur
	join := b.newBlock()

	// Each when chains off the previous "no match" edge.
	prev := head
	sawElse := false
	for i := uint(0); i < n.NamedChildCount(); i++ {
		c := n.NamedChild(i)
		if c == nil {
			continue
		}
		switch c.Kind() {
		case "when":
			var patterns []*tree_sitter.Node
			for j := uint(0); j < c.NamedChildCount(); j++ {
				cc := c.NamedChild(j)
				if cc != nil && cc.Kind() == "pattern" {
					patterns = append(patterns, cc)
				}
			}
			guard := &Guard{Subject: subject, Patterns: patterns}

			armBlk := b.newBlock()
			nextTest := b.newBlock()
			b.link(prev, armBlk.ID, EdgeBranchTrue, guard)
			b.link(prev, nextTest.ID, EdgeBranchFalse, guard)

			b.startBlock(armBlk)
			for j := uint(0); j < c.NamedChildCount(); j++ {
				cc := c.NamedChild(j)
				if cc == nil || cc.Kind() == "pattern" {
					continue
				}
				if cc.Kind() == "then" {
					b.stmtList(cc)
				} else {
					b.stmt(cc)
				}
			}
			b.link(b.cur, join.ID, EdgeFallthrough, nil)

			prev = b.cfg.Blocks[nextTest.ID]
		case "else":
			sawElse = true
			b.startBlock(prev)
			b.stmtList(c)
			b.link(b.cur, join.ID, EdgeFallthrough, nil)
			prev = nil
		}
	}
	if !sawElse && prev != nil {
		b.link(prev, join.ID, EdgeFallthrough, nil)
	}
	b.startBlock(join)
}

func (b *cfgBuilder) beginRescue(n *tree_sitter.Node) {
	var rescueNodes []*tree_sitter.Node
	var elseNode, ensureNode *tree_sitter.Node
	for i := uint(0); i < n.NamedChildCount(); i++ {
		c := n.NamedChild(i)
		if c == nil {
			continue
		}
		switch c.Kind() {
		case "rescue":
			rescueNodes = append(rescueNodes, c)
		case "else":
			elseNode = c
		case "ensure":
			ensureNode = c
		}
	}

	join := b.newBlock()

	var handler *Block
	if len(rescueNodes) > 0 {
		handler = b.newBlock()
		b.rescues = append(b.rescues, handler.ID)
	}

	bodyBlk := b.newBlock()
	b.link(b.cur, bodyBlk.ID, EdgeFallthrough, nil)
	b.startBlock(bodyBlk)
	for i := uint(0); i < n.NamedChildCount(); i++ {
		c := n.NamedChild(i)
		if c == nil {
			continue
		}
		switch c.Kind() {
		case "rescue", "else", "ensure":
		default:
			b.stmt(c)
		}
	}
	if elseNode != nil {
		b.stmtList(elseNode)
	}
	b.link(b.cur, join.ID, EdgeFallthrough, nil)

	if handler != nil {
		b.rescues = b.rescues[:len(b.rescues)-1]
		b.startBlock(handler)
		for _, r := range rescueNodes {
			if body := r.ChildByFieldName("body"); body != nil {
				b.stmtList(body)
			}
		}
		b.link(b.cur, join.ID, EdgeFallthrough, nil)
	}

	if ensureNode != nil {
		ensureBlk := b.newBlock()
		b.link(join, ensureBlk.ID, EdgeUnconditional, nil)
		b.startBlock(ensureBlk)
		b.stmtList(ensureNode)
		after := b.newBlock()
		b.link(b.cur, after.ID, EdgeFallthrough, nil)
		b.startBlock(after)
		return
	}
	b.startBlock(join)
}

// BlockAt returns the id of the block whose statements cover the offset,
// preferring the latest matching block.
func (c *CFG) BlockAt(offset int) (int, bool) {
	best, found := 0, false
	for _, blk := range c.Blocks {
		for _, s := range blk.Stmts {
			if int(s.StartByte()) <= offset && offset <= int(s.EndByte()) {
				best, found = blk.ID, true
			}
		}
	}
	return best, found
}
