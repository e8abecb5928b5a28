package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/danmuck/inspectctl/internal/inspector"
	"github.com/rs/zerolog/log"
)

// VM service methods and error codes used by the client.
const (
	methodStreamNotify = "streamNotify"
	methodStreamListen = "streamListen"
	methodGetVM        = "getVM"
	methodGetIsolate   = "getIsolate"
	methodEvaluate     = "evaluate"
	methodGetObject    = "getObject"

	codeStreamAlreadySubscribed = 103
)

var listenStreams = []string{inspector.StreamExtension, inspector.StreamDebug, inspector.StreamIsolate}

type isolateRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type libraryRef struct {
	ID  string `json:"id"`
	URI string `json:"uri"`
}

type vmInfo struct {
	Isolates []isolateRef `json:"isolates"`
}

type isolateInfo struct {
	ID            string       `json:"id"`
	RootLib       *libraryRef  `json:"rootLib"`
	Libraries     []libraryRef `json:"libraries"`
	ExtensionRPCs []string     `json:"extensionRPCs"`
}

type instanceRef struct {
	Type                     string `json:"type"`
	ID                       string `json:"id"`
	Kind                     string `json:"kind"`
	ValueAsString            string `json:"valueAsString"`
	ValueAsStringIsTruncated bool   `json:"valueAsStringIsTruncated"`
	Message                  string `json:"message"`
}

type streamNotification struct {
	StreamID string          `json:"streamId"`
	Event    json.RawMessage `json:"event"`
}

type eventPayload struct {
	Kind          string          `json:"kind"`
	Isolate       *isolateRef     `json:"isolate"`
	ExtensionKind string          `json:"extensionKind"`
	ExtensionRPC  string          `json:"extensionRPC"`
	ExtensionData json.RawMessage `json:"extensionData"`
}

func (c *Client) bootstrap(ctx context.Context) error {
	for _, stream := range listenStreams {
		_, err := c.Call(ctx, methodStreamListen, map[string]any{"streamId": stream})
		if err != nil && !isRemoteCode(err, codeStreamAlreadySubscribed) {
			return fmt.Errorf("rpc: listen %s: %w", stream, err)
		}
	}

	isolateID := c.IsolateID()
	if isolateID == "" {
		raw, err := c.Call(ctx, methodGetVM, map[string]any{})
		if err != nil {
			return err
		}
		var vm vmInfo
		if err := json.Unmarshal(raw, &vm); err != nil {
			return fmt.Errorf("rpc: decode vm: %w", err)
		}
		if len(vm.Isolates) == 0 {
			return ErrNoIsolate
		}
		isolateID = vm.Isolates[0].ID
	}
	return c.loadIsolate(ctx, isolateID)
}

// loadIsolate makes isolateID current and resolves the library evaluations
// run in.
func (c *Client) loadIsolate(ctx context.Context, isolateID string) error {
	iso, target, err := c.fetchIsolate(ctx, isolateID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.isolateID = isolateID
	c.targetID = target
	c.extensions = slices.Clone(iso.ExtensionRPCs)
	c.mu.Unlock()
	return nil
}

func (c *Client) fetchIsolate(ctx context.Context, isolateID string) (isolateInfo, string, error) {
	raw, err := c.Call(ctx, methodGetIsolate, map[string]any{"isolateId": isolateID})
	if err != nil {
		return isolateInfo{}, "", err
	}
	var iso isolateInfo
	if err := json.Unmarshal(raw, &iso); err != nil {
		return isolateInfo{}, "", fmt.Errorf("rpc: decode isolate: %w", err)
	}

	target := ""
	for _, lib := range iso.Libraries {
		if lib.URI == c.cfg.InspectorLibrary {
			target = lib.ID
			break
		}
	}
	if target == "" && iso.RootLib != nil {
		target = iso.RootLib.ID
	}
	return iso, target, nil
}

func isRemoteCode(err error, code int64) bool {
	var remote *inspector.RemoteError
	return errors.As(err, &remote) && remote.Code == code
}

// IsolateID is the isolate currently inspected, empty between a restart's
// exit and the new isolate becoming runnable.
func (c *Client) IsolateID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isolateID
}

// ExtensionRPCs lists the extensions the isolate had registered when it was
// loaded.
func (c *Client) ExtensionRPCs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.extensions)
}

// CallServiceExtension invokes an isolate service extension. Extension
// parameters travel as strings.
func (c *Client) CallServiceExtension(ctx context.Context, method string, args map[string]any) (json.RawMessage, error) {
	isolateID := c.IsolateID()
	if isolateID == "" {
		return nil, ErrNoIsolate
	}
	params := make(map[string]any, len(args)+1)
	for k, v := range args {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			params[k] = s
			continue
		}
		params[k] = fmt.Sprint(v)
	}
	params["isolateId"] = isolateID
	return c.Call(ctx, method, params)
}

// Evaluate runs expression in the inspector library. Truncated string values
// are fetched in full.
func (c *Client) Evaluate(ctx context.Context, expression string, scope map[string]string) (inspector.RemoteValue, error) {
	c.mu.Lock()
	isolateID, targetID := c.isolateID, c.targetID
	c.mu.Unlock()
	if isolateID == "" {
		return inspector.RemoteValue{}, ErrNoIsolate
	}

	params := map[string]any{
		"isolateId":          isolateID,
		"targetId":           targetID,
		"expression":         expression,
		"disableBreakpoints": true,
	}
	if len(scope) > 0 {
		params["scope"] = scope
	}
	raw, err := c.Call(ctx, methodEvaluate, params)
	if err != nil {
		return inspector.RemoteValue{}, err
	}
	ref, err := decodeInstance(methodEvaluate, raw)
	if err != nil {
		return inspector.RemoteValue{}, err
	}

	if ref.ValueAsStringIsTruncated && ref.ID != "" {
		raw, err = c.Call(ctx, methodGetObject, map[string]any{"isolateId": isolateID, "objectId": ref.ID})
		if err != nil {
			return inspector.RemoteValue{}, err
		}
		if ref, err = decodeInstance(methodGetObject, raw); err != nil {
			return inspector.RemoteValue{}, err
		}
	}
	return inspector.RemoteValue{ID: ref.ID, Kind: ref.Kind, ValueAsString: ref.ValueAsString}, nil
}

func decodeInstance(method string, raw json.RawMessage) (instanceRef, error) {
	var ref instanceRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return ref, fmt.Errorf("%w: %s: %v", inspector.ErrMalformedPayload, method, err)
	}
	if ref.Type == "@Error" || ref.Type == "Error" {
		return ref, &inspector.RemoteError{Method: method, Message: ref.Message}
	}
	return ref, nil
}

// dispatchNotification decodes one streamNotify and publishes it. Events for
// other isolates are dropped, except isolate lifecycle events, which let the
// client follow a restart when no isolate was pinned.
func (c *Client) dispatchNotification(params json.RawMessage) {
	var note streamNotification
	if err := json.Unmarshal(params, &note); err != nil {
		log.Warn().Err(err).Msg("rpc.Client dropped malformed stream notification")
		return
	}
	var payload eventPayload
	if err := json.Unmarshal(note.Event, &payload); err != nil {
		log.Warn().Str("stream", note.StreamID).Err(err).Msg("rpc.Client dropped malformed event")
		return
	}
	ev := inspector.Event{
		Stream:        note.StreamID,
		Kind:          payload.Kind,
		ExtensionKind: payload.ExtensionKind,
		ExtensionName: payload.ExtensionRPC,
		Data:          payload.ExtensionData,
	}
	if payload.Isolate != nil {
		ev.IsolateID = payload.Isolate.ID
	}

	current := c.IsolateID()
	switch ev.Kind {
	case inspector.KindIsolateExit:
		if ev.IsolateID != current {
			return
		}
		if c.cfg.IsolateID == "" {
			c.mu.Lock()
			c.isolateID = ""
			c.mu.Unlock()
		}
	case inspector.KindIsolateStart:
		if current != "" && ev.IsolateID != current {
			return
		}
	case inspector.KindIsolateRunnable:
		if current == "" && ev.IsolateID != "" {
			c.switchIsolate(ev.IsolateID)
		}
		return
	default:
		if current != "" && ev.IsolateID != "" && ev.IsolateID != current {
			return
		}
	}
	c.publish(ev)
}

// switchIsolate follows a restarted isolate. It runs on the read loop, so the
// IsolateStart it publishes reaches subscribers before any later
// notification for the new isolate; extensions registered from here on are
// never wiped by that reset.
func (c *Client) switchIsolate(isolateID string) {
	c.mu.Lock()
	c.isolateID = isolateID
	c.targetID = ""
	c.extensions = nil
	c.mu.Unlock()
	log.Info().Str("isolate", isolateID).Msg("rpc.Client following restarted isolate")
	c.publish(inspector.Event{Stream: inspector.StreamIsolate, Kind: inspector.KindIsolateStart, IsolateID: isolateID})
	go c.adoptIsolate(isolateID)
}

// adoptIsolate loads the switched-to isolate and replays the extensions it
// had already registered as ServiceExtensionAdded events.
func (c *Client) adoptIsolate(isolateID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()
	iso, target, err := c.fetchIsolate(ctx, isolateID)
	if err != nil {
		log.Warn().Str("isolate", isolateID).Err(err).Msg("rpc.Client adopt isolate failed")
		return
	}
	c.mu.Lock()
	if c.isolateID != isolateID {
		c.mu.Unlock()
		return
	}
	c.targetID = target
	c.extensions = slices.Clone(iso.ExtensionRPCs)
	c.mu.Unlock()

	for _, name := range iso.ExtensionRPCs {
		c.publish(inspector.Event{
			Stream:        inspector.StreamIsolate,
			Kind:          inspector.KindServiceExtensionAdded,
			IsolateID:     isolateID,
			ExtensionName: name,
		})
	}
}
