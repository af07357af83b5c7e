// Package snapshot takes point-in-time copies of rpm and deb repos so
// environments can pin to a known content set. Snapshot repos are named
// "{prefix}{source}", published and distributed on creation, and added to
// the inventory like any other repo. A prefix can only be used once per
// server.
package snapshot
