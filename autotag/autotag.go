// Package autotag defines the Autotagging Hook contract of spec.md §4.G:
// an ordered, immutable-after-startup chain of external handlers invoked
// once per flushed-and-modified object. Modeled on entitydb's
// RetentionPolicy engine (models/retention_policy.go): a registration
// phase (AddHandler, analogous to AddPolicy) followed by a read-only
// evaluation loop (Process, analogous to GetApplicablePolicies plus rule
// evaluation).
//
// No concrete MIME handlers ship here; this package is the extension
// point, not an implementation of any particular plugin.
package autotag

import (
	"context"
	"mime"
	"path/filepath"

	"tagsistant/logger"
	"tagsistant/models"
)

// Handler processes one flushed object. Implementations may bind
// further tags via store but must not delete objects or mutate
// checksums (spec.md §4.G).
type Handler interface {
	// Matches reports whether this handler applies to mimeType.
	Matches(mimeType string) bool

	// Process runs the handler's logic against obj. An error is logged
	// by the Chain and does not abort the remaining handlers or fail
	// the flush.
	Process(ctx context.Context, obj *models.Object, store models.Store) error
}

// Chain is an ordered list of Handlers, immutable once Process has been
// called for the first time.
type Chain struct {
	handlers []Handler
	started  bool
}

// NewChain returns an empty Chain.
func NewChain() *Chain {
	return &Chain{}
}

// AddHandler appends h to the chain. Panics if called after the chain
// has begun processing, mirroring the "compiled once at startup"
// discipline used for the alias map and query-path regex.
func (c *Chain) AddHandler(h Handler) {
	if c.started {
		panic("autotag: AddHandler called after Process has run")
	}
	c.handlers = append(c.handlers, h)
}

// Len reports how many handlers are registered.
func (c *Chain) Len() int { return len(c.handlers) }

// Process runs every handler whose Matches reports true for the guessed
// MIME type, in registration order. The MIME type is guessed from the
// extension of obj.ObjectName (guessMimeType); the file's content is not
// inspected.
func (c *Chain) Process(ctx context.Context, obj *models.Object, store models.Store) error {
	c.started = true

	mimeType := guessMimeType(obj.ObjectName)
	for _, h := range c.handlers {
		if !h.Matches(mimeType) {
			continue
		}
		if err := h.Process(ctx, obj, store); err != nil {
			logger.Warn("autotag: handler error for inode %d (%s): %v", obj.Inode, mimeType, err)
		}
	}
	return nil
}

// guessMimeType is a minimal extension-based fallback; no handler
// shipped in this repository relies on precision here, only on Matches
// being called with *some* stable string per object.
func guessMimeType(objectName string) string {
	ext := filepath.Ext(objectName)
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
