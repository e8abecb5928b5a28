package inspector

import (
	"context"
	"encoding/json"
)

// Transport issues calls against the target.
type Transport interface {
	// CallServiceExtension invokes a registered service extension and returns
	// the raw result object. Wire error objects come back as *RemoteError.
	CallServiceExtension(ctx context.Context, method string, args map[string]any) (json.RawMessage, error)
	// Evaluate runs expression in the target's inspector library.
	Evaluate(ctx context.Context, expression string, scope map[string]string) (RemoteValue, error)
}

// Capabilities tracks which service extensions the target has registered.
type Capabilities interface {
	IsAvailable(name string) bool
	// WaitUntilAvailable blocks until name is registered, ctx ends or the
	// implementation gives up; false means the extension is not usable.
	WaitUntilAvailable(ctx context.Context, name string) bool
}

// EventSource delivers target notifications. Callbacks run on the source's
// read loop and must not block on wire calls.
type EventSource interface {
	Subscribe(fn func(Event)) (cancel func())
}

// Listener is notified of session level changes.
type Listener interface {
	OnSelectionChanged()
	OnFrameRendered()
	OnForceRefresh(ctx context.Context) error
}

// PathClassifier decides whether a source URI belongs to the inspected
// application rather than a dependency.
type PathClassifier interface {
	IsLocalURI(uri string) bool
}
