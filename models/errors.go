package models

import "errors"

// Sentinel errors returned by the metadata model and translated to
// filesystem errno codes at the fsadapter boundary (spec.md §7).
var (
	// ErrNotFound is returned when a tag, object or relation lookup finds
	// nothing. The caller decides whether that means ENOENT or an empty
	// listing.
	ErrNotFound = errors.New("tagsistant: not found")

	// ErrMalformed is returned by the resolver for a query tree the
	// parser marked Malformed (a path it could not classify into any of
	// the grammar's top-level forms).
	ErrMalformed = errors.New("tagsistant: malformed query path")

	// ErrStore wraps any error surfaced by the Metadata Store.
	ErrStore = errors.New("tagsistant: metadata store error")

	// ErrArchive wraps any error surfaced by the Archive Store.
	ErrArchive = errors.New("tagsistant: archive store error")

	// ErrInvariant marks a violation the core never expects to observe
	// (e.g. inode 0 returned from an insert). Always logged at ERROR and
	// surfaced as EIO; never causes a panic.
	ErrInvariant = errors.New("tagsistant: invariant violation")
)
