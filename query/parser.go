// Package query implements Tagsistant's query-path parser (spec.md §4.C):
// it lexes a mount-path string into a models.QueryTree plus role flags,
// total over all inputs — every path produces either a well-formed tree
// or one marked Malformed (spec.md §8 property 1).
package query

import (
	"fmt"
	"regexp"
	"strings"

	"tagsistant/models"
)

// DefaultDelim is the reserved separator between an inode and an
// objectname in an archived filename, chosen (as the original C
// implementation did) to be a sequence that cannot appear in a
// user-supplied leaf name.
const DefaultDelim = "___"

// structuredOperators is checked longest-first so "<=" is not
// misidentified as "<" followed by a literal "=".
var structuredOperators = []models.Operator{
	models.OpLessEqual,
	models.OpGreaterEqual,
	models.OpNotEqual,
	models.OpEqual,
	models.OpLess,
	models.OpGreater,
}

// Parser turns mount paths into QueryTrees. A Parser is immutable after
// construction (spec.md §5 "Alias map and compiled path-regex: read-
// mostly, initialised once at startup") and safe for concurrent use by
// every request-serving goroutine.
type Parser struct {
	delim     string
	leafRegex *regexp.Regexp
	aliases   AliasResolver
}

// NewParser builds a Parser. delim is the inode/objectname separator
// used by the Archive Store; an empty string selects DefaultDelim. A nil
// aliases resolver is treated as "no aliases known".
func NewParser(delim string, aliases AliasResolver) *Parser {
	if delim == "" {
		delim = DefaultDelim
	}
	if aliases == nil {
		aliases = noAliases{}
	}
	return &Parser{
		delim:     delim,
		leafRegex: regexp.MustCompile(`^([0-9]+)` + regexp.QuoteMeta(delim) + `(.+)$`),
		aliases:   aliases,
	}
}

// Delim returns the inode/objectname separator this parser was built
// with, for components (storage/archive) that must agree with it.
func (p *Parser) Delim() string { return p.delim }

// Parse classifies path into exactly one top-level role, or returns a
// QueryTree with Malformed set.
func (p *Parser) Parse(path string) *models.QueryTree {
	if path == "" || path == "/" {
		return &models.QueryTree{Root: true}
	}

	segments := splitPath(path)
	if len(segments) == 0 {
		return &models.QueryTree{Root: true}
	}

	switch segments[0] {
	case "archive":
		return p.parseArchive(segments[1:])
	case "tags":
		return p.parseTags(segments[1:])
	case "relations":
		return p.parseRelations(segments[1:])
	case "stats":
		return p.parseStats(segments[1:])
	default:
		return &models.QueryTree{Malformed: true}
	}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (p *Parser) parseArchive(rest []string) *models.QueryTree {
	q := &models.QueryTree{Archive: true}
	switch len(rest) {
	case 0:
		return q
	case 1:
		p.resolveLeaf(q, rest[0])
		q.PointsToObject = true
		return q
	default:
		return &models.QueryTree{Malformed: true}
	}
}

func (p *Parser) parseTags(rest []string) *models.QueryTree {
	q := &models.QueryTree{Tags: true}

	var current models.ANDSet
	i := 0
	for ; i < len(rest); i++ {
		seg := rest[i]
		if seg == "+" {
			q.ORSections = append(q.ORSections, current)
			current = nil
			continue
		}
		if seg == "=" {
			q.Complete = true
			i++ // consume "="; any remaining segment is the object leaf
			break
		}
		current = append(current, parseTagExpr(seg))
	}

	if len(current) > 0 {
		q.ORSections = append(q.ORSections, current)
	}

	q.Taggable = q.Complete && len(q.AllTags()) > 0

	if q.Complete && i < len(rest) {
		if i != len(rest)-1 {
			return &models.QueryTree{Malformed: true}
		}
		p.resolveLeaf(q, rest[i])
		q.PointsToObject = true
	}

	return q
}

func (p *Parser) parseRelations(rest []string) *models.QueryTree {
	q := &models.QueryTree{Relations: true}
	switch len(rest) {
	case 0:
		return q
	case 1:
		q.FirstTag = rest[0]
		return q
	case 2:
		q.FirstTag = rest[0]
		q.Relation = rest[1]
		return q
	case 3:
		q.FirstTag = rest[0]
		q.Relation = rest[1]
		q.SecondTag = rest[2]
		return q
	default:
		return &models.QueryTree{Malformed: true}
	}
}

func (p *Parser) parseStats(rest []string) *models.QueryTree {
	q := &models.QueryTree{Stats: true}
	if len(rest) > 0 {
		q.ObjectPath = rest[0]
	}
	return q
}

// resolveLeaf extracts "<inode><delim><objectname>" from leaf using the
// parser's compiled regex, falling back to the alias map for bare names
// (spec.md §4.C). An unresolvable bare leaf is left with Inode 0 and
// ObjectPath set to the leaf itself; it is the resolver's job to turn
// that into ENOENT.
func (p *Parser) resolveLeaf(q *models.QueryTree, leaf string) {
	if m := p.leafRegex.FindStringSubmatch(leaf); m != nil {
		var inode int64
		fmt.Sscanf(m[1], "%d", &inode)
		q.Inode = inode
		q.ObjectPath = m[2]
		return
	}
	if full, ok := p.aliases.Resolve(leaf); ok {
		q.ObjectPath = full
		return
	}
	q.ObjectPath = leaf
}

// parseTagExpr decomposes one tag-query path segment into an ANDNode.
// "namespace:key<op>value" produces a structured node; anything else is
// a plain tag name.
func parseTagExpr(seg string) models.ANDNode {
	node := models.ANDNode{Tag: seg}

	colon := strings.IndexByte(seg, ':')
	if colon < 0 {
		return node
	}
	namespace := seg[:colon]
	rest := seg[colon+1:]

	for _, op := range structuredOperators {
		if idx := strings.Index(rest, string(op)); idx >= 0 {
			node.Namespace = namespace
			node.Key = rest[:idx]
			node.Operator = op
			node.Value = rest[idx+len(op):]
			return node
		}
	}
	return node
}
