package inspector

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Handle identifies one remote object. Handles never expire on the remote
// side and two handles are the same object iff their IDs match; the client
// owns their lifetime through the object group they were fetched with.
type Handle struct {
	ID string
}

func (h Handle) IsZero() bool {
	return h.ID == ""
}

func (h Handle) String() string {
	return h.ID
}

// TreeKind selects which remote tree a query targets.
type TreeKind int

const (
	// TreeWidget is the primary structure tree.
	TreeWidget TreeKind = iota
	// TreeRenderObject is the secondary layout tree.
	TreeRenderObject
)

func (k TreeKind) String() string {
	switch k {
	case TreeWidget:
		return "widget"
	case TreeRenderObject:
		return "render"
	default:
		return fmt.Sprintf("TreeKind(%d)", int(k))
	}
}

// ParseTreeKind accepts the names produced by TreeKind.String.
func ParseTreeKind(raw string) (TreeKind, error) {
	switch raw {
	case "", "widget":
		return TreeWidget, nil
	case "render", "renderObject":
		return TreeRenderObject, nil
	default:
		return TreeWidget, fmt.Errorf("%w: %q", ErrUnknownTreeKind, raw)
	}
}

// Node is one remote diagnostics node. The payload is opaque to this package
// beyond the handle used for identity and the few fields needed to infer
// root directories.
type Node struct {
	ValueRef    Handle
	Description string
	Raw         json.RawMessage
}

type nodeFields struct {
	ValueID          string            `json:"valueId"`
	Description      string            `json:"description"`
	CreationLocation *creationLocation `json:"creationLocation"`
	Children         []json.RawMessage `json:"children"`
}

type creationLocation struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// ParseNode decodes one node payload. A JSON null yields a nil node.
func ParseNode(raw json.RawMessage) (*Node, error) {
	if isNull(raw) {
		return nil, nil
	}
	var fields nodeFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: node: %v", ErrMalformedPayload, err)
	}
	return &Node{
		ValueRef:    Handle{ID: fields.ValueID},
		Description: fields.Description,
		Raw:         append(json.RawMessage(nil), raw...),
	}, nil
}

// ParseNodeList decodes a JSON array of nodes. A JSON null yields an empty list.
func ParseNodeList(raw json.RawMessage) ([]*Node, error) {
	if isNull(raw) {
		return []*Node{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []*Node{}, fmt.Errorf("%w: node list: %v", ErrMalformedPayload, err)
	}
	out := make([]*Node, 0, len(items))
	for _, item := range items {
		node, err := ParseNode(item)
		if err != nil {
			return []*Node{}, err
		}
		if node != nil {
			out = append(out, node)
		}
	}
	return out, nil
}

// CreationFile is the source file the node was created from, when the target
// tracks creation locations.
func (n *Node) CreationFile() string {
	if n == nil {
		return ""
	}
	var fields nodeFields
	if err := json.Unmarshal(n.Raw, &fields); err != nil || fields.CreationLocation == nil {
		return ""
	}
	return fields.CreationLocation.File
}

// InlineChildren returns children serialized inside the node payload itself.
// Summary trees usually carry them; otherwise fetch with GetChildren.
func (n *Node) InlineChildren() []*Node {
	if n == nil {
		return nil
	}
	var fields nodeFields
	if err := json.Unmarshal(n.Raw, &fields); err != nil {
		return nil
	}
	out := make([]*Node, 0, len(fields.Children))
	for _, raw := range fields.Children {
		child, err := ParseNode(raw)
		if err != nil || child == nil {
			continue
		}
		out = append(out, child)
	}
	return out
}

// RemoteValue is the reference returned by an expression evaluation.
type RemoteValue struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	ValueAsString string `json:"valueAsString"`
}

// Event streams and kinds delivered by the transport.
const (
	StreamExtension = "Extension"
	StreamDebug     = "Debug"
	StreamIsolate   = "Isolate"

	KindExtension             = "Extension"
	KindInspect               = "Inspect"
	KindPauseBreakpoint       = "PauseBreakpoint"
	KindPauseException        = "PauseException"
	KindPauseInterrupted      = "PauseInterrupted"
	KindResume                = "Resume"
	KindIsolateStart          = "IsolateStart"
	KindIsolateRunnable       = "IsolateRunnable"
	KindIsolateExit           = "IsolateExit"
	KindServiceExtensionAdded = "ServiceExtensionAdded"

	ExtensionKindFrame = "Flutter.Frame"
)

// Event is one notification pushed by the target.
type Event struct {
	Stream        string
	Kind          string
	IsolateID     string
	ExtensionKind string
	// ExtensionName is set for ServiceExtensionAdded.
	ExtensionName string
	Data          json.RawMessage
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
