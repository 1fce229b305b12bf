package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"hwkeysd/internal/bindings"
	"hwkeysd/internal/catalog"
	"hwkeysd/internal/engine"
	"hwkeysd/internal/health"
	"hwkeysd/internal/input"
	"hwkeysd/internal/metrics"
	"hwkeysd/internal/signals"
)

// InjectedDevice is the Device of events injected over the socket.
const InjectedDevice = "ipc"

// Router feeds a key event through the daemon's routing chain and
// reports whether it was consumed.
type Router interface {
	Route(ev input.KeyEvent) bool
}

// StateController reads and overrides device state flags.
type StateController interface {
	Set(name string, v bool) error
	Snapshot() map[string]bool
}

// EngineView exposes the engine state for status replies.
type EngineView interface {
	State() engine.State
}

// GestureView exposes the gesture dispatcher for status replies.
type GestureView interface {
	HasSensor() bool
	InFlight() bool
}

// DaemonHandlerConfig wires the handler to the daemon's components.
// Store, Catalog and Router are required.
type DaemonHandlerConfig struct {
	Version   string
	StorePath string
	Store     bindings.Store
	Catalog   *catalog.Catalog
	Router    Router
	State     StateController
	Engine    EngineView
	Gestures  GestureView
	Health    *health.Checker
	Metrics   *metrics.Metrics
	Clients   func() int
	Logger    *slog.Logger
}

// DaemonHandler implements Handler for hwkeysd.
type DaemonHandler struct {
	cfg       DaemonHandlerConfig
	logger    *slog.Logger
	startedAt time.Time
}

// NewDaemonHandler creates a new daemon handler.
func NewDaemonHandler(cfg DaemonHandlerConfig) (*DaemonHandler, error) {
	if cfg.Store == nil || cfg.Catalog == nil || cfg.Router == nil {
		return nil, errors.New("ipc: store, catalog and router are required")
	}
	if cfg.State == nil {
		cfg.State = signals.NewState()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DaemonHandler{cfg: cfg, logger: logger, startedAt: time.Now()}, nil
}

// HandleMessage processes an IPC message.
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(ctx, client, msg)
	case MsgHealthCheck:
		return h.handleHealthCheck(ctx, client, msg)
	case MsgGetBinding:
		return h.handleGetBinding(ctx, client, msg)
	case MsgPutBinding:
		return h.handlePutBinding(ctx, client, msg)
	case MsgDeleteBinding:
		return h.handleDeleteBinding(ctx, client, msg)
	case MsgListBindings:
		return h.handleListBindings(ctx, client, msg)
	case MsgInjectKey:
		return h.handleInjectKey(ctx, client, msg)
	case MsgInjectGesture:
		return h.handleInjectGesture(ctx, client, msg)
	case MsgSetState:
		return h.handleSetState(ctx, client, msg)
	case MsgCatalog:
		return h.handleCatalog(ctx, client, msg)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %s", msg.Header.Type)), nil
	}
}

func invalid(msg *Message, err error) *Message {
	return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error())
}

func (h *DaemonHandler) handleStatus(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req StatusRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, err), nil
	}

	resp := &StatusResponse{
		Version:   h.cfg.Version,
		PID:       os.Getpid(),
		StartedAt: h.startedAt,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Signals:   h.cfg.State.Snapshot(),
		Store:     h.cfg.StorePath,
		Gestures:  GestureStatus{Registered: len(h.cfg.Catalog.Gestures())},
	}
	if h.cfg.Engine != nil {
		resp.Engine = h.cfg.Engine.State()
	}
	if h.cfg.Gestures != nil {
		resp.Gestures.Sensor = h.cfg.Gestures.HasSensor()
		resp.Gestures.InFlight = h.cfg.Gestures.InFlight()
	}
	if h.cfg.Clients != nil {
		resp.Clients = h.cfg.Clients()
	}
	if req.IncludeMetrics {
		resp.Metrics = h.cfg.Metrics.Snapshot()
	}

	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleHealthCheck(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req HealthRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, err), nil
	}
	if h.cfg.Health == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrUnsupported, "health checks not configured"), nil
	}
	return NewResponse(MsgHealthResponse, msg.Header.RequestID, h.cfg.Health.Report(ctx, req.Full))
}

func (h *DaemonHandler) handleGetBinding(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req BindingRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, err), nil
	}

	v, ok, err := h.cfg.Store.Get(req.Key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", req.Key, err)
	}
	return NewResponse(MsgGetBindingResp, msg.Header.RequestID, &BindingResponse{Key: req.Key, Value: v, Found: ok})
}

// handlePutBinding writes through the store, so the engine sees the
// change through its subscription like any other writer's.
func (h *DaemonHandler) handlePutBinding(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req PutBindingRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, err), nil
	}

	if err := h.cfg.Store.Put(req.Key, req.Value); err != nil {
		return nil, fmt.Errorf("put %s: %w", req.Key, err)
	}
	h.logger.Info("binding set", "key", req.Key, "value", req.Value, "client", client.ID)
	return NewResponse(MsgPutBindingResp, msg.Header.RequestID, &BindingResponse{Key: req.Key, Value: req.Value, Found: true})
}

func (h *DaemonHandler) handleDeleteBinding(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req BindingRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, err), nil
	}

	_, existed, err := h.cfg.Store.Get(req.Key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", req.Key, err)
	}
	if err := h.cfg.Store.Delete(req.Key); err != nil {
		return nil, fmt.Errorf("delete %s: %w", req.Key, err)
	}
	h.logger.Info("binding removed", "key", req.Key, "client", client.ID)
	return NewResponse(MsgDeleteBindingResp, msg.Header.RequestID, &BindingResponse{Key: req.Key, Found: existed})
}

func (h *DaemonHandler) handleListBindings(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req ListBindingsRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, err), nil
	}

	all, err := h.cfg.Store.All()
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	out := make(map[string]string, len(all))
	for k, v := range all {
		if strings.HasPrefix(k, req.Prefix) {
			out[k] = v
		}
	}
	return NewResponse(MsgListBindingsResp, msg.Header.RequestID, &ListBindingsResponse{Bindings: out})
}

// InjectedEvents expands an inject request into the key events a real
// device would produce. Every event is marked virtual.
func InjectedEvents(req InjectKeyRequest, now time.Time) ([]input.KeyEvent, error) {
	base := input.KeyEvent{
		KeyCode:  req.KeyCode,
		ScanCode: req.ScanCode,
		Flags:    input.FlagVirtual,
		Device:   InjectedDevice,
		Time:     now,
	}
	down := base
	down.Action = input.Down
	up := base
	up.Action = input.Up
	if req.Canceled {
		up.Flags |= input.FlagCanceled
	}

	switch req.Action {
	case InjectDown:
		down.RepeatCount = req.Repeat
		if req.Repeat > 0 {
			down.Flags |= input.FlagLongPress
		}
		return []input.KeyEvent{down}, nil
	case InjectUp:
		return []input.KeyEvent{up}, nil
	case InjectTap:
		return []input.KeyEvent{down, up}, nil
	case InjectLongPress:
		held := down
		held.RepeatCount = 1
		held.Flags |= input.FlagLongPress
		return []input.KeyEvent{down, held, up}, nil
	default:
		return nil, fmt.Errorf("unknown inject action %q", req.Action)
	}
}

func (h *DaemonHandler) handleInjectKey(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req InjectKeyRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, err), nil
	}

	events, err := InjectedEvents(req, time.Now())
	if err != nil {
		return invalid(msg, err), nil
	}

	resp := &InjectKeyResponse{}
	for _, ev := range events {
		consumed := h.cfg.Router.Route(ev)
		name := ev.Action.String()
		if ev.LongPress() {
			name += "+long_press"
		}
		resp.Results = append(resp.Results, InjectResult{Event: name, Consumed: consumed})
	}
	h.logger.Debug("key injected", "key_code", req.KeyCode, "action", req.Action, "client", client.ID)
	return NewResponse(MsgInjectKeyResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleInjectGesture(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req InjectGestureRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, err), nil
	}

	consumed := h.cfg.Router.Route(input.KeyEvent{
		ScanCode: req.ScanCode,
		Action:   input.Up,
		Flags:    input.FlagVirtual,
		Device:   InjectedDevice,
		Time:     time.Now(),
	})
	return NewResponse(MsgInjectGestureResp, msg.Header.RequestID, &InjectGestureResponse{Consumed: consumed})
}

func (h *DaemonHandler) handleSetState(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req SetStateRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalid(msg, err), nil
	}

	if err := h.cfg.State.Set(req.Name, req.Value); err != nil {
		return invalid(msg, err), nil
	}
	h.logger.Info("state overridden", "name", req.Name, "value", req.Value, "client", client.ID)
	return NewResponse(MsgSetStateResp, msg.Header.RequestID, &SetStateResponse{State: h.cfg.State.Snapshot()})
}

func (h *DaemonHandler) handleCatalog(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return NewResponse(MsgCatalogResp, msg.Header.RequestID, DescribeCatalog(h.cfg.Catalog))
}

// DescribeCatalog lists categories, keys and gestures with the binding
// keys that configure them.
func DescribeCatalog(c *catalog.Catalog) *CatalogResponse {
	resp := &CatalogResponse{}
	for _, cat := range c.Categories() {
		info := CategoryInfo{Key: cat.Key, Name: cat.Name, AllowDisable: cat.AllowDisable}
		for _, k := range cat.Keys {
			name := k.BindingName()
			ki := KeyInfo{
				Name:          name,
				KeyCode:       k.KeyCode,
				Multi:         k.SupportsMultipleActions,
				DefaultAction: k.DefaultAction,
				BindingKeys:   []string{bindings.TapKey(name)},
			}
			if k.SupportsMultipleActions {
				ki.DefaultDoubleTapAction = k.DefaultDoubleTapAction
				ki.DefaultLongPressAction = k.DefaultLongPressAction
				ki.BindingKeys = append(ki.BindingKeys, bindings.DoubleTapKey(name), bindings.LongPressKey(name))
			}
			info.Keys = append(info.Keys, ki)
		}
		if cat.AllowDisable {
			info.DisabledKey = bindings.DisabledKey(cat.Key)
		}
		resp.Categories = append(resp.Categories, info)
	}

	for _, g := range c.Gestures() {
		resp.Gestures = append(resp.Gestures, GestureInfo{
			ScanCode:      g.ScanCode,
			Name:          g.Name,
			DefaultAction: g.DefaultAction,
			BindingKey:    bindings.GestureKey(g.ScanCode),
		})
	}
	return resp
}
