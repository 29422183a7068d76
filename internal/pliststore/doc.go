// Package pliststore reads and writes the plist records of a munki
// repository.
//
// A record is addressed by a kind (a top level directory such as
// "manifests" or "pkgsinfo") and a relative path inside it, and lives at
// root/kind/path. Every mutation is logged and, when a Recorder is
// configured and the caller names a user, handed to the Recorder so it
// lands in version control history.
//
// The store keeps no state between calls and takes no locks. Callers that
// need mutual exclusion on a path must serialize writes themselves. Files
// are written in place: a failure after the parent directories were
// created leaves those directories behind.
package pliststore
