package archive

import "sync"

// sharedReadOnly interns one read-only Archive per base path, so
// concurrent readers (a FUSE adaptor's request handlers, worker threads
// holding a deserialized handle) resolve to the same underlying handle
// without coordinating. sync.Map keeps the hot lookup path lock-free.
var sharedReadOnly sync.Map // basePath -> *Archive

// OpenShared returns a process-wide shared read-only handle for basePath,
// opening it on first use. Handles returned by OpenShared are owned by the
// cache: call CloseShared to drop them, not Close. Per-goroutine
// independent connections can still be split off with Clone.
func OpenShared(basePath string, opts ...Option) (*Archive, error) {
	if a, ok := sharedReadOnly.Load(basePath); ok {
		return a.(*Archive), nil
	}
	a, err := Open(basePath, append(opts, WithReadOnly())...)
	if err != nil {
		return nil, err
	}
	if existing, loaded := sharedReadOnly.LoadOrStore(basePath, a); loaded {
		// Another goroutine won the race; keep its handle.
		a.Close()
		return existing.(*Archive), nil
	}
	return a, nil
}

// CloseShared closes and forgets the interned read-only handle for
// basePath, if one exists.
func CloseShared(basePath string) error {
	a, ok := sharedReadOnly.LoadAndDelete(basePath)
	if !ok {
		return nil
	}
	return a.(*Archive).Close()
}
