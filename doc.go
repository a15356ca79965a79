/*
Package overlayfs provides a two-layer copy-on-write union filesystem: a
read-only lower layer and a writable upper layer composed into a single
logical namespace, in the style of Docker's overlay2 graph driver.

# Overview

An Engine never mutates its readable layer. Every write lands on the
writable layer; the first write to a path that currently lives only on the
readable layer triggers a copy-up that promotes the file (or directory) onto
the writable layer first. Deletions of paths that only exist on the readable
layer are recorded as whiteouts in a small append-only log on the writable
layer, so the deletion survives process restarts without ever touching the
readable layer.

# Basic Usage

	package main

	import (
	    "context"

	    "github.com/copyfs/overlayfs"
	    "github.com/spf13/afero"
	)

	func main() {
	    readable := afero.NewOsFs()      // lower, read-only
	    writable := afero.NewMemMapFs()  // upper, writable

	    eng, err := overlayfs.New(
	        overlayfs.WithWritableLayer(writable),
	        overlayfs.WithReadableLayer(readable),
	    )
	    if err != nil {
	        panic(err)
	    }
	    if err := eng.Initialize(context.Background()); err != nil {
	        panic(err)
	    }

	    data, err := afero.ReadFile(eng, "/etc/config.yml") // falls through to readable
	    err = afero.WriteFile(eng, "/etc/config.yml", []byte("key: value"), 0644) // copies up first
	}

# Copy-up

Modifying a file that exists only on the readable layer copies it onto the
writable layer before the modification is applied. The readable layer is
never written to:

	afero.WriteFile(readable, "/config.txt", []byte("original"), 0644)

	eng, _ := overlayfs.New(overlayfs.WithWritableLayer(writable), overlayfs.WithReadableLayer(readable))
	eng.Initialize(ctx)

	afero.WriteFile(eng, "/config.txt", []byte("modified"), 0644) // copy-up, then write

	data, _ := afero.ReadFile(eng, "/config.txt")      // "modified"
	data, _ = afero.ReadFile(readable, "/config.txt")  // "original"

# Whiteouts

Deleting a path that exists only on the readable layer appends a record to
/.deletedFiles.log on the writable layer rather than touching the readable
layer:

	afero.WriteFile(readable, "/file.txt", []byte("content"), 0644)

	eng.Unlink("/file.txt")

	_, err := eng.Stat("/file.txt")       // not-found
	_, err = readable.Stat("/file.txt")   // still exists

The log is recovered into an in-memory set on Initialize, so a freshly
constructed Engine over the same writable layer sees the same deletions
without re-touching the readable layer.

# Directory merging

ReadDir merges the writable and readable listings, writable entries winning
ties, whited-out children dropped:

	entries, _ := eng.ReadDir("/dir")

# Concurrency

All top-level operations are serialized through a SerializingWrapper guarded
by a FIFO Mutex (see the *Async methods), so a rename's multi-step subtree copy is never
observed half-done by a concurrent readdir. Synchronous calls made while an
asynchronous operation is in flight fail fast with ErrInvalidSyncCall rather
than deadlocking.

# Limitations

  - Exactly one writable and one readable layer; no N-deep layer stacks.
  - Hard links and symbolic links are not supported (SupportsLinks is
    always false).
  - The whiteout log is append-only for the life of a mount; use
    CompactWhiteoutLog offline to reclaim stale records.
*/
package overlayfs
