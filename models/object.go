// Package models defines Tagsistant's metadata model: objects, tags,
// tagging edges and relations, plus the Store contract the query engine
// uses to persist and query them.
//
// Every object in Tagsistant's archive is represented by exactly one
// Object row addressed by inode, plus zero or more Tagging edges binding
// it to Tags. This is the relational analogue of entitydb's
// timestamped-tag entity model, reduced to the single-valued,
// non-temporal tagging Tagsistant's spec requires.
package models

// Object is a single archived file's metadata row (spec.md §3).
//
// Checksum is the empty string exactly when the object's content may
// differ from any previously computed hash ("dirty"); only the
// Deduplicator ever sets it to a non-empty value.
type Object struct {
	Inode      int64
	ObjectName string
	Checksum   string
}

// Dirty reports whether this object is awaiting (re)hashing.
func (o *Object) Dirty() bool {
	return o.Checksum == ""
}

// Tag is a named label bindable to objects (spec.md §3).
type Tag struct {
	ID      int64
	Name    string
}

// Tagging is a single (object, tag) binding. The pair is unique: at most
// one Tagging row exists per (Inode, TagID).
type Tagging struct {
	Inode int64
	TagID int64
}

// Relation is a directed, labeled edge between two tags, used only by
// the /relations listing surface (spec.md §3, §4.D).
type Relation struct {
	Tag1ID   int64
	Relation string
	Tag2ID   int64
}

// Common relation labels. Any short directed string is accepted; these
// constants are not an exhaustive enum, and neither the resolver nor the
// CLI treats them specially.
const (
	RelationIncludes    = "includes"
	RelationIsEquivalent = "is_equivalent"
	RelationExcludes    = "excludes"
)
