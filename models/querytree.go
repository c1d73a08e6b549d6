package models

import "strings"

// Operator is one of the structured-tag comparison operators a tag-expr
// may carry (spec.md §4.C grammar).
type Operator string

const (
	OpEqual        Operator = "="
	OpLess         Operator = "<"
	OpGreater      Operator = ">"
	OpLessEqual    Operator = "<="
	OpGreaterEqual Operator = ">="
	OpNotEqual     Operator = "!="
)

// ANDNode names one tag within an AND-set. A plain tag-expr sets only Tag;
// a structured tag-expr ("namespace:key>value") additionally sets
// Namespace, Key, Operator and Value, and Tag holds the expression as
// written so it can be re-emitted into a path.
type ANDNode struct {
	Tag string

	Namespace string
	Key       string
	Operator  Operator
	Value     string
}

// Structured reports whether this node is a namespace:key<op>value tag.
func (n ANDNode) Structured() bool {
	return n.Namespace != ""
}

// ANDSet is a conjunction of tag-expressions: an object matches an ANDSet
// iff it carries every tag named in it.
type ANDSet []ANDNode

// Has reports whether tagName already appears verbatim in this AND-set,
// used by the resolver to suppress self-narrowing entries
// (spec.md §4.D "AND-suppression").
func (s ANDSet) Has(tagName string) bool {
	for _, n := range s {
		if n.Tag == tagName {
			return true
		}
	}
	return false
}

// QueryTree is the parsed form of a mount-path query (spec.md §3). It is
// built once by the parser and consumed read-only by the resolver; there
// are no back-pointers, matching spec.md §9's "no cyclic structure"
// redesign note.
type QueryTree struct {
	// ORSections is the disjunction of AND-sets: an object matches the
	// tree iff it matches at least one ORSections[i].
	ORSections []ANDSet

	// Role flags — exactly one of Root/Archive/Tags/Relations/Stats is
	// set for a well-formed tree; Malformed is set instead for anything
	// the parser could not classify.
	Malformed bool
	Root      bool
	Archive   bool
	Tags      bool
	Relations bool
	Stats     bool

	// PointsToObject is set when the path names a single archived leaf
	// (an /archive/<leaf> or /tags/.../=/<leaf> path).
	PointsToObject bool

	// Taggable is true iff the tree has at least one complete AND-set
	// reachable under /tags/.../= — i.e. tag-binding is meaningful here.
	Taggable bool

	// Complete is true once the path has been terminated by "=".
	Complete bool

	// Resolved object identity, filled in by the parser (for object-leaf
	// paths) or by the mutation path (for newly created objects).
	Inode           int64
	ObjectPath      string
	FullArchivePath string

	// Relation-path fields (spec.md §4.C relation-path grammar); any
	// subset may be empty depending on how much of the path was given.
	FirstTag  string
	Relation  string
	SecondTag string
}

// AtTagsRoot reports whether this tree is exactly "/tags" with nothing
// typed yet — the one place the resolver must not list the "+"/"="
// operator entries, since neither can narrow an empty AND-set
// (spec.md §4.D).
func (q *QueryTree) AtTagsRoot() bool {
	return q.Tags && !q.Complete && len(q.ORSections) == 0
}

// LastANDSet returns the AND-set currently being built (the last
// OR-section), or nil if the tree has none yet.
func (q *QueryTree) LastANDSet() ANDSet {
	if len(q.ORSections) == 0 {
		return nil
	}
	return q.ORSections[len(q.ORSections)-1]
}

// AllTags returns the set of distinct plain tag names named anywhere in
// the tree, used when patching a newly created object's tagging.
func (q *QueryTree) AllTags() []string {
	seen := make(map[string]bool)
	var out []string
	for _, set := range q.ORSections {
		for _, n := range set {
			if !seen[n.Tag] {
				seen[n.Tag] = true
				out = append(out, n.Tag)
			}
		}
	}
	return out
}

// String reconstructs a canonical /tags/... path from the tree, used as
// the resolver's listing-cache key. Canonicalization only needs to be
// stable, not byte-identical to the input path (spec.md §8 property 2
// only requires listings of the *same* path to agree, but caching by a
// normalized form also lets "/tags/a/+/b/=" and "/tags/b/+/a/=" share
// nothing — they are different cache entries that must independently
// converge to the same set, per property 3).
func (q *QueryTree) String() string {
	var b strings.Builder
	b.WriteString("/tags")
	for i, set := range q.ORSections {
		if i > 0 {
			b.WriteString("/+")
		}
		for _, n := range set {
			b.WriteByte('/')
			b.WriteString(n.Tag)
		}
	}
	if q.Complete {
		b.WriteString("/=")
	}
	return b.String()
}
