// Package extensions tracks which inspector service extensions the target
// has registered.
//
// Ownership boundary:
// - availability set for the current isolate
// - waiters blocked on an extension that has not been registered yet
//
// Discovery is event driven: the transport seeds the set from the isolate's
// extension list and ServiceExtensionAdded events extend it.
package extensions
