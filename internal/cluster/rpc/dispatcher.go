package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Tier is a method's required permission level (§4.3).
type Tier string

const (
	TierRead    Tier = "read"
	TierExecute Tier = "execute"
	TierAdmin   Tier = "admin"
)

// tierRank orders tiers so AllowedTiers checks work as a "at least this
// much trust" comparison as well as an exact-set membership check.
var tierRank = map[Tier]int{TierRead: 0, TierExecute: 1, TierAdmin: 2}

// Handler processes one method call. params is the raw JSON params array
// or object from the request; result is marshaled back to the caller.
type Handler func(ctx context.Context, params json.RawMessage) (result any, err error)

// Dispatcher routes JSON-RPC method calls to registered handlers, enforcing
// a permission tier per method (§4.3).
type Dispatcher struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	tiers    map[string]Tier
}

// New creates an empty Dispatcher. Use Register/RegisterModule to add
// methods before calling Dispatch.
func New(log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		log:      log,
		handlers: make(map[string]Handler),
		tiers:    make(map[string]Tier),
	}
}

// Register adds a single handler under a dotted method name with an
// explicit tier.
func (d *Dispatcher) Register(method string, tier Tier, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
	d.tiers[method] = tier
}

// Module is one group of related methods registered together under a
// prefix, e.g. "docker.containers" (§4.3: "modules register their public
// methods in bulk under a prefix").
type Module struct {
	Prefix  string
	Methods map[string]Handler // suffix -> handler, full name is Prefix+"."+suffix
	Tiers   map[string]Tier    // suffix -> tier
}

// RegisterModule bulk-registers a Module's methods.
func (d *Dispatcher) RegisterModule(m Module) {
	for suffix, h := range m.Methods {
		full := m.Prefix + "." + suffix
		tier := m.Tiers[suffix]
		if tier == "" {
			tier = TierAdmin // unknown methods default to admin (§4.3)
		}
		d.Register(full, tier, h)
	}
}

// Tier returns the registered tier for method, or TierAdmin if the method
// is unknown — unknown methods default to the strictest tier (§4.3).
func (d *Dispatcher) Tier(method string) Tier {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if t, ok := d.tiers[method]; ok {
		return t
	}
	return TierAdmin
}

// allowed reports whether required is satisfied by any tier in allowedTiers.
// A channel that permits TierAdmin implicitly permits TierRead/TierExecute
// too, matching the "tiers ⊂ allowed" language in §8 by rank comparison.
func allowed(required Tier, allowedTiers []Tier) bool {
	for _, t := range allowedTiers {
		if tierRank[t] >= tierRank[required] {
			return true
		}
	}
	return false
}

// Dispatch parses and executes one frame against allowedTiers (the
// permission set granted to the channel this request arrived on), per the
// six-step flow in §4.3. The returned *Response is nil for every
// notification that parses and names a method, whatever its outcome
// (unknown method, permission denied, handler error or success).
func (d *Dispatcher) Dispatch(ctx context.Context, raw json.RawMessage, allowedTiers []Tier) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return NewErrorResponse(nil, NewError(CodeParseError, "parse error"))
	}
	if req.Method == "" {
		return NewErrorResponse(req.ID, NewError(CodeInvalidRequest, "missing method"))
	}

	d.mu.RLock()
	h, known := d.handlers[req.Method]
	tier := d.Tier(req.Method)
	d.mu.RUnlock()

	if !known {
		if req.IsNotification() {
			d.log.Warn("unknown method on notification", "method", req.Method)
			return nil
		}
		return NewErrorResponse(req.ID, NewError(CodeMethodNotFound, "method not found: "+req.Method))
	}

	if !allowed(tier, allowedTiers) {
		if req.IsNotification() {
			return nil
		}
		return NewErrorResponse(req.ID, NewError(CodePermission, "permission denied"))
	}

	result, err := d.invoke(ctx, h, req.Params)
	if req.IsNotification() {
		if err != nil {
			d.log.Warn("notification handler failed", "method", req.Method, "error", err)
		}
		return nil
	}

	if err != nil {
		if rpcErr, ok := err.(*Error); ok {
			return NewErrorResponse(req.ID, rpcErr)
		}
		// Never leak internal detail to the caller (§4.3 step 6, §7).
		d.log.Error("rpc handler error", "method", req.Method, "error", err)
		return NewErrorResponse(req.ID, NewError(CodeInternal, "internal error"))
	}

	return NewResultResponse(req.ID, result)
}

// invoke calls the handler, recovering from panics the same way an
// unhandled exception would be caught at the dispatcher boundary (§4.3
// step 6: "any other exception ... return a generic internal-error").
func (d *Dispatcher) invoke(ctx context.Context, h Handler, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, params)
}
