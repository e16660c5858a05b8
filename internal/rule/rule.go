// Package rule compiles io class rule expressions into immutable predicate
// trees over request attributes.
package rule

import (
	"fmt"
	"strings"
)

type nodeKind uint8

const (
	kindAll nodeKind = iota
	kindCmp
	kindAnd
	kindOr
)

type attr uint8

const (
	attrDirection attr = iota
	attrFlag
	attrRequestSize
	attrOffset
	attrLBA
	attrFileSize
	attrFileOffset
	attrExtension
	attrDirectory
)

type valueType uint8

const (
	typeUint valueType = iota
	typeDirection
	typeFlag
	typeString
	typePath
)

var attrDefs = map[string]struct {
	attr attr
	typ  valueType
}{
	"direction":    {attrDirection, typeDirection},
	"io_direction": {attrDirection, typeDirection},
	"flag":         {attrFlag, typeFlag},
	"request_size": {attrRequestSize, typeUint},
	"offset":       {attrOffset, typeUint},
	"lba":          {attrLBA, typeUint},
	"file_size":    {attrFileSize, typeUint},
	"file_offset":  {attrFileOffset, typeUint},
	"extension":    {attrExtension, typeString},
	"directory":    {attrDirectory, typePath},
}

func (a attr) String() string {
	for name, def := range attrDefs {
		if def.attr == a && name != "io_direction" {
			return name
		}
	}
	return fmt.Sprintf("attr(%d)", a)
}

type op uint8

const (
	opEq op = iota
	opNe
	opLt
	opLe
	opGt
	opGe
)

var opWords = map[string]op{
	"eq": opEq, "ne": opNe, "lt": opLt, "le": opLe, "gt": opGt, "ge": opGe,
	"==": opEq, "!=": opNe, "<": opLt, "<=": opLe, ">": opGt, ">=": opGe,
}

type node struct {
	kind     nodeKind
	attr     attr
	op       op
	num      uint64
	str      string
	children []node
}

// Rule is a compiled io class rule. The zero value never matches; use All
// for the catch-all.
type Rule struct {
	src  string
	root *node
}

var allNode = &node{kind: kindAll}

// All returns the catch-all rule used by the unclassified class.
func All() Rule {
	return Rule{src: "unclassified", root: allNode}
}

// Matches reports whether attrs satisfy the rule.
func (r Rule) Matches(attrs *Attributes) bool {
	if r.root == nil || attrs == nil {
		return r.root != nil && r.root.kind == kindAll
	}
	return r.root.eval(attrs)
}

// IsCatchAll reports whether the rule matches every request.
func (r Rule) IsCatchAll() bool {
	return r.root != nil && r.root.kind == kindAll
}

func (r Rule) String() string {
	return r.src
}

func (n *node) eval(a *Attributes) bool {
	switch n.kind {
	case kindAll:
		return true
	case kindAnd:
		for i := range n.children {
			if !n.children[i].eval(a) {
				return false
			}
		}
		return true
	case kindOr:
		for i := range n.children {
			if n.children[i].eval(a) {
				return true
			}
		}
		return false
	case kindCmp:
		return n.compare(a)
	}
	return false
}

func (n *node) compare(a *Attributes) bool {
	switch n.attr {
	case attrDirection:
		return matchEq(n.op, uint64(a.Direction) == n.num)
	case attrFlag:
		return matchEq(n.op, a.Flags&Flags(n.num) != 0)
	case attrRequestSize:
		return matchUint(n.op, a.Size, n.num)
	case attrOffset:
		return matchUint(n.op, a.Offset, n.num)
	case attrLBA:
		return matchUint(n.op, a.Offset/SectorSize, n.num)
	}

	// File predicates never match when file metadata is unavailable.
	if a.File == nil {
		return false
	}
	switch n.attr {
	case attrFileSize:
		return matchUint(n.op, a.File.Size, n.num)
	case attrFileOffset:
		return matchUint(n.op, a.File.Offset, n.num)
	case attrExtension:
		return matchEq(n.op, strings.EqualFold(normalizeExtension(a.File.Extension), n.str))
	case attrDirectory:
		return matchEq(n.op, hasDirPrefix(a.File.Directory, n.str))
	}
	return false
}

func matchEq(o op, eq bool) bool {
	if o == opNe {
		return !eq
	}
	return eq
}

func matchUint(o op, v, want uint64) bool {
	switch o {
	case opEq:
		return v == want
	case opNe:
		return v != want
	case opLt:
		return v < want
	case opLe:
		return v <= want
	case opGt:
		return v > want
	case opGe:
		return v >= want
	}
	return false
}

func normalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

func normalizeDir(dir string) string {
	if len(dir) > 1 {
		dir = strings.TrimRight(dir, "/")
		if dir == "" {
			return "/"
		}
	}
	return dir
}

// hasDirPrefix reports whether dir equals prefix or lies beneath it.
func hasDirPrefix(dir, prefix string) bool {
	dir = normalizeDir(dir)
	if prefix == "/" {
		return strings.HasPrefix(dir, "/")
	}
	return dir == prefix || strings.HasPrefix(dir, prefix+"/")
}
