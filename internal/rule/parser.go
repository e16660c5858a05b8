package rule

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// ParseError reports an invalid rule expression.
type ParseError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("rule %q: %s (at offset %d)", e.Expr, e.Msg, e.Pos)
}

// Compile parses and validates expr. All syntactic and semantic checks happen
// here; a compiled Rule cannot fail at evaluation time.
func Compile(expr string) (Rule, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return Rule{}, &ParseError{Expr: expr, Msg: "empty rule"}
	}
	toks, err := lex(src)
	if err != nil {
		return Rule{}, err
	}
	p := &parser{expr: src, toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return Rule{}, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return Rule{}, p.errorf(t, "unexpected %q", t.text)
	}
	if root.kind == kindAll {
		return Rule{src: src, root: allNode}, nil
	}
	return Rule{src: src, root: &root}, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and
// static tables.
func MustCompile(expr string) Rule {
	r, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return r
}

type parser struct {
	expr string
	toks []token
	i    int
}

func (p *parser) peek() token {
	return p.toks[p.i]
}

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) *ParseError {
	return &ParseError{Expr: p.expr, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expectWord() (token, error) {
	t := p.next()
	if t.kind != tokWord {
		if t.kind == tokEOF {
			return t, p.errorf(t, "missing value")
		}
		return t, p.errorf(t, "expected value, got %q", t.text)
	}
	return t, nil
}

func (p *parser) parseOr() (node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return node{}, err
	}
	if p.peek().kind != tokOr {
		return first, nil
	}
	children := []node{first}
	for p.peek().kind == tokOr {
		p.next()
		n, err := p.parseAnd()
		if err != nil {
			return node{}, err
		}
		children = append(children, n)
	}
	for _, c := range children {
		if c.kind == kindAll {
			return node{kind: kindAll}, nil
		}
	}
	return node{kind: kindOr, children: children}, nil
}

func (p *parser) parseAnd() (node, error) {
	start := p.peek()
	var terms []node
	for {
		n, err := p.parseTerm()
		if err != nil {
			return node{}, err
		}
		switch n.kind {
		case kindAll:
			// done and unclassified are neutral inside a conjunction
		case kindAnd:
			terms = append(terms, n.children...)
		default:
			terms = append(terms, n)
		}
		if p.peek().kind != tokAnd {
			break
		}
		p.next()
	}
	if msg := checkConjunction(terms); msg != "" {
		return node{}, p.errorf(start, "%s", msg)
	}
	switch len(terms) {
	case 0:
		return node{kind: kindAll}, nil
	case 1:
		return terms[0], nil
	}
	return node{kind: kindAnd, children: terms}, nil
}

func (p *parser) parseTerm() (node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		n, err := p.parseOr()
		if err != nil {
			return node{}, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return node{}, p.errorf(closing, "missing closing parenthesis")
		}
		return n, nil
	case tokWord:
	case tokEOF:
		return node{}, p.errorf(t, "missing condition")
	default:
		return node{}, p.errorf(t, "unexpected %q", t.text)
	}

	name := strings.ToLower(t.text)
	switch p.peek().kind {
	case tokColon:
		p.next()
		v, err := p.expectWord()
		if err != nil {
			return node{}, err
		}
		if p.peek().kind != tokColon {
			return p.buildCmp(t, opEq, v)
		}
		p.next()
		o, ok := opWords[strings.ToLower(v.text)]
		if !ok || !isLetters(v.text) {
			return node{}, p.errorf(v, "unknown operator %q", v.text)
		}
		val, err := p.expectWord()
		if err != nil {
			return node{}, err
		}
		return p.buildCmp(t, o, val)
	case tokOp:
		ot := p.next()
		val, err := p.expectWord()
		if err != nil {
			return node{}, err
		}
		return p.buildCmp(t, opWords[ot.text], val)
	}

	switch name {
	case "unclassified", "done":
		return node{kind: kindAll}, nil
	}
	if f, err := ParseFlag(name); err == nil {
		return node{kind: kindCmp, attr: attrFlag, op: opEq, num: uint64(f)}, nil
	}
	if _, ok := attrDefs[name]; ok {
		return node{}, p.errorf(t, "attribute %q requires an operator and value", name)
	}
	return node{}, p.errorf(t, "unknown attribute %q", t.text)
}

func isLetters(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i] | 0x20
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return s != ""
}

func (p *parser) buildCmp(attrTok token, o op, val token) (node, error) {
	name := strings.ToLower(attrTok.text)
	def, ok := attrDefs[name]
	if !ok {
		return node{}, p.errorf(attrTok, "unknown attribute %q", attrTok.text)
	}
	n := node{kind: kindCmp, attr: def.attr, op: o}

	if def.typ != typeUint && o != opEq && o != opNe {
		return node{}, p.errorf(attrTok, "attribute %q supports only eq and ne", name)
	}

	switch def.typ {
	case typeUint:
		v, err := strconv.ParseUint(val.text, 0, 64)
		if err != nil {
			return node{}, p.errorf(val, "malformed number %q for %s", val.text, name)
		}
		n.num = v
	case typeDirection:
		d, err := ParseDirection(val.text)
		if err != nil {
			return node{}, p.errorf(val, "%v", err)
		}
		n.num = uint64(d)
	case typeFlag:
		f, err := ParseFlag(val.text)
		if err != nil {
			return node{}, p.errorf(val, "%v", err)
		}
		n.num = uint64(f)
	case typeString:
		ext := normalizeExtension(val.text)
		if ext == "" {
			return node{}, p.errorf(val, "empty extension")
		}
		n.str = ext
	case typePath:
		if !strings.HasPrefix(val.text, "/") {
			return node{}, p.errorf(val, "directory %q must be absolute", val.text)
		}
		n.str = normalizeDir(val.text)
	}
	return n, nil
}

type uintBounds struct {
	lo, hi uint64
	ne     []uint64
	empty  bool
}

func (b *uintBounds) apply(o op, v uint64) {
	switch o {
	case opEq:
		b.lo = max(b.lo, v)
		b.hi = min(b.hi, v)
		if v < b.lo || v > b.hi {
			b.empty = true
		}
	case opNe:
		b.ne = append(b.ne, v)
	case opLt:
		if v == 0 {
			b.empty = true
			return
		}
		b.hi = min(b.hi, v-1)
	case opLe:
		b.hi = min(b.hi, v)
	case opGt:
		if v == math.MaxUint64 {
			b.empty = true
			return
		}
		b.lo = max(b.lo, v+1)
	case opGe:
		b.lo = max(b.lo, v)
	}
}

func (b *uintBounds) contradictory() bool {
	if b.empty || b.lo > b.hi {
		return true
	}
	if b.lo == b.hi {
		for _, v := range b.ne {
			if v == b.lo {
				return true
			}
		}
	}
	return false
}

// offsetLBAConflict reports whether no byte offset satisfies both the offset
// bounds and the lba bounds, lba being offset/SectorSize.
func offsetLBAConflict(off, lba *uintBounds) bool {
	if off == nil || lba == nil {
		return false
	}
	const maxLBA = math.MaxUint64 / SectorSize
	if lba.lo > maxLBA {
		return true
	}
	lo := max(off.lo, lba.lo*SectorSize)
	hi := off.hi
	if lba.hi <= maxLBA {
		hi = min(hi, lba.hi*SectorSize+SectorSize-1)
	}
	if lo > hi {
		return true
	}
	if lo/SectorSize == hi/SectorSize && slices.Contains(lba.ne, lo/SectorSize) {
		return true
	}
	return lo == hi && slices.Contains(off.ne, lo)
}

// checkConjunction rejects conjunctions that no request can satisfy.
// Returns an empty string when terms are consistent.
func checkConjunction(terms []node) string {
	bounds := make(map[attr]*uintBounds)
	dirAllowed := uint8(0b11)
	var flagsRequired, flagsForbidden Flags
	var extEq string
	var extNe []string
	var dirEq, dirNe []string

	for i := range terms {
		t := &terms[i]
		if t.kind != kindCmp {
			continue
		}
		switch t.attr {
		case attrRequestSize, attrOffset, attrLBA, attrFileSize, attrFileOffset:
			b, ok := bounds[t.attr]
			if !ok {
				b = &uintBounds{hi: math.MaxUint64}
				bounds[t.attr] = b
			}
			b.apply(t.op, t.num)
			if b.contradictory() {
				return fmt.Sprintf("contradictory conditions on %s", t.attr)
			}
			if offsetLBAConflict(bounds[attrOffset], bounds[attrLBA]) {
				return "contradictory conditions on offset and lba"
			}
		case attrDirection:
			bit := uint8(1) << t.num
			if t.op == opEq {
				dirAllowed &= bit
			} else {
				dirAllowed &^= bit
			}
			if dirAllowed == 0 {
				return "contradictory conditions on direction"
			}
		case attrFlag:
			if t.op == opEq {
				flagsRequired |= Flags(t.num)
			} else {
				flagsForbidden |= Flags(t.num)
			}
			if flagsRequired&flagsForbidden != 0 {
				return fmt.Sprintf("contradictory conditions on flag %s", (flagsRequired & flagsForbidden).String())
			}
		case attrExtension:
			if t.op == opEq {
				if extEq != "" && extEq != t.str {
					return "contradictory conditions on extension"
				}
				extEq = t.str
			} else {
				extNe = append(extNe, t.str)
			}
			for _, ne := range extNe {
				if ne == extEq {
					return "contradictory conditions on extension"
				}
			}
		case attrDirectory:
			if t.op == opEq {
				dirEq = append(dirEq, t.str)
			} else {
				dirNe = append(dirNe, t.str)
			}
			for i, a := range dirEq {
				for _, b := range dirEq[i+1:] {
					if !hasDirPrefix(a, b) && !hasDirPrefix(b, a) {
						return "contradictory conditions on directory"
					}
				}
				for _, ne := range dirNe {
					if hasDirPrefix(a, ne) {
						return "contradictory conditions on directory"
					}
				}
			}
		}
	}
	return ""
}
