// Package relay is the per-sandbox façade over the routing core: it builds
// envelopes, tracks transactions, dispatches inbound messages to application
// handlers and owns the role-specific collaborators (hub, upstream channel,
// page boundary).
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sandbus/pkg/boundary"
	"sandbus/pkg/endpoint"
	"sandbus/pkg/faults"
	"sandbus/pkg/frame"
	"sandbus/pkg/hub"
	"sandbus/pkg/protocol"
	"sandbus/pkg/route"
	"sandbus/pkg/transact"
	"sandbus/pkg/transport"
)

// Message is the view a handler receives of one inbound request.
type Message struct {
	Sender  endpoint.Endpoint
	ID      string
	Payload any
	Time    time.Time
}

// Handler serves one message id. The returned value travels back to the
// sender as the reply payload; a non-nil error travels back through the
// faults codec instead.
type Handler func(msg Message) (any, error)

// Options configures one sandbox. Which collaborators are required depends
// on the role: a coordinator accepts channels, a mediator or tool panel
// dials one upstream channel, and a mediator or page additionally sits on a
// frame bus toward its window counterpart.
type Options struct {
	Role     endpoint.Role
	Instance *uint32

	Dialer   transport.Dialer   // mediator, tool-panel
	Acceptor transport.Acceptor // coordinator
	Bus      *frame.Bus         // mediator, page

	// Handlers preregisters message handlers before any collaborator is
	// wired, so envelopes flushed from a coordinator backlog at connect
	// time cannot race registration. OnMessage adds more later.
	Handlers map[string]Handler

	// Faults decodes reply errors; defaults to faults.NewTable().
	Faults *faults.Table
	// ProbeTimeout overrides the page handshake probe window; zero keeps
	// the default.
	ProbeTimeout time.Duration
	// Unhandled receives handler failures after the failure reply has been
	// dispatched. Optional.
	Unhandled func(err error)
}

// Sandbox holds all routing state for one sandbox instance. Nothing is
// package-global: two sandboxes in one process are fully independent.
type Sandbox struct {
	role      endpoint.Role
	instance  *uint32
	routerID  string
	faults    *faults.Table
	unhandled func(error)

	tracker  *transact.Tracker
	registry *hub.Hub           // coordinator only
	upstream transport.Channel  // mediator, tool-panel
	edge     *boundary.Boundary // mediator, page

	mu           sync.Mutex
	handlers     map[string]Handler
	namespace    string
	pageUnlocked bool
}

// New builds a sandbox for opts.Role and connects its collaborators.
func New(opts Options) (*Sandbox, error) {
	s := &Sandbox{
		role:      opts.Role,
		instance:  opts.Instance,
		routerID:  uuid.NewString(),
		faults:    opts.Faults,
		unhandled: opts.Unhandled,
		tracker:   transact.New(),
		handlers:  make(map[string]Handler),
	}
	if s.faults == nil {
		s.faults = faults.NewTable()
	}
	for id, h := range opts.Handlers {
		s.handlers[id] = h
	}

	switch opts.Role {
	case endpoint.RoleCoordinator:
		if opts.Acceptor == nil {
			return nil, errors.New("relay: coordinator needs an acceptor")
		}
		s.registry = hub.New()
		opts.Acceptor.OnAccept(s.accept)

	case endpoint.RoleToolPanel, endpoint.RoleMediator:
		if opts.Dialer == nil {
			return nil, fmt.Errorf("relay: %s needs a dialer", opts.Role)
		}
		if opts.Instance == nil {
			return nil, fmt.Errorf("relay: %s needs a content instance id", opts.Role)
		}
		ch, err := opts.Dialer.Dial(opts.Role.String(), opts.Instance)
		if err != nil {
			return nil, fmt.Errorf("relay: upstream dial: %w", err)
		}
		s.upstream = ch
		ch.OnMessage(s.ingress)
		ch.OnDisconnect(func() {
			zap.L().Warn("upstream channel lost", zap.String("role", s.role.String()))
		})
		if opts.Role == endpoint.RoleMediator {
			if opts.Bus == nil {
				return nil, errors.New("relay: mediator needs a frame bus")
			}
			s.edge = boundary.New(opts.Bus, opts.Role, s.currentNamespace, s.ingress, opts.ProbeTimeout)
		}

	case endpoint.RolePage:
		if opts.Bus == nil {
			return nil, errors.New("relay: page needs a frame bus")
		}
		s.edge = boundary.New(opts.Bus, opts.Role, s.currentNamespace, s.ingress, opts.ProbeTimeout)

	default:
		return nil, errors.New("relay: role not set")
	}

	zap.L().Info("sandbox up",
		zap.String("role", s.role.String()),
		zap.String("router", s.routerID))
	return s, nil
}

// Close tears the sandbox down. Pending transactions stay pending.
func (s *Sandbox) Close() error {
	if s.edge != nil {
		s.edge.Close()
	}
	if s.upstream != nil {
		return s.upstream.Close()
	}
	return nil
}

func (s *Sandbox) self() endpoint.Endpoint {
	return endpoint.Endpoint{Role: s.role, Instance: s.instance}
}

// OnMessage registers the handler for one message id, replacing any previous
// one.
func (s *Sandbox) OnMessage(messageID string, h Handler) {
	s.mu.Lock()
	s.handlers[messageID] = h
	s.mu.Unlock()
}

// SetNamespace configures the isolation key for page-boundary traffic.
func (s *Sandbox) SetNamespace(ns string) {
	s.mu.Lock()
	s.namespace = ns
	s.mu.Unlock()
}

// AllowPageMessaging sets the namespace and unlocks the page edge for this
// sandbox. Until called on a mediator, anything touching the page is dropped.
func (s *Sandbox) AllowPageMessaging(ns string) {
	s.mu.Lock()
	s.namespace = ns
	s.pageUnlocked = true
	s.mu.Unlock()
}

func (s *Sandbox) currentNamespace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespace
}

func (s *Sandbox) unlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageUnlocked
}

// Send issues one request and blocks until the matching reply settles it or
// ctx ends. Addressing and policy violations fail synchronously; after
// dispatch the only way out is a reply or the context.
func (s *Sandbox) Send(ctx context.Context, messageID string, payload any, destination string) (any, error) {
	dest, err := endpoint.Parse(destination)
	if err != nil {
		return nil, err
	}
	if s.role == endpoint.RoleCoordinator && dest.Role != endpoint.RoleCoordinator && dest.Instance == nil {
		return nil, &PolicyError{
			Reason: fmt.Sprintf("coordinator send to %q needs an explicit instance id", destination),
		}
	}
	if s.role == endpoint.RoleMediator && dest.Role == endpoint.RolePage && !s.unlocked() {
		return nil, &PolicyError{
			Reason: "page messaging has not been unlocked for this mediator",
		}
	}

	txn := uuid.NewString()
	outcome := s.tracker.Open(txn)
	env := protocol.NewMessage(s.self(), dest, txn, messageID, payload)
	if err := s.routeErr(env); err != nil {
		s.tracker.Settle(txn, transact.Outcome{})
		return nil, err
	}

	select {
	case out := <-outcome:
		return out.Payload, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ingress is the single entry point for envelopes arriving from any
// collaborator.
func (s *Sandbox) ingress(env *protocol.Envelope) {
	s.route(env)
}

// route runs the resolver and performs the chosen action, logging failures.
// Inbound traffic has no caller to report to.
func (s *Sandbox) route(env *protocol.Envelope) {
	if err := s.routeErr(env); err != nil {
		zap.L().Error("envelope not routable",
			zap.String("role", s.role.String()),
			zap.String("message", env.MessageID),
			zap.Error(err))
	}
}

// routeErr is the send-path variant: synchronous routing failures are
// returned so Send can reject immediately instead of leaving the transaction
// pending forever.
func (s *Sandbox) routeErr(env *protocol.Envelope) error {
	d := route.Decide(env, route.Self{
		Role:         s.role,
		RouterID:     s.routerID,
		PageUnlocked: s.unlocked(),
	})
	switch d.Op {
	case route.OpDrop:
		zap.L().Debug("envelope dropped",
			zap.String("role", s.role.String()),
			zap.String("message", env.MessageID))
		return nil

	case route.OpDeliver:
		s.deliver(env)
		return nil

	case route.OpPage:
		return s.edge.Relay(env)

	case route.OpHub:
		return s.upstream.Post(env)

	case route.OpChannel:
		if ch, ok := s.registry.Channel(d.ChannelID); ok {
			return ch.Post(env)
		}
		s.registry.Enqueue(d.ChannelID, env)
		return nil
	}
	return nil
}

// deliver is the final-recipient path.
func (s *Sandbox) deliver(env *protocol.Envelope) {
	if env.Kind == protocol.KindReply {
		out := transact.Outcome{Payload: env.Payload, Err: s.faults.Decode(env.Error)}
		if !s.tracker.Settle(env.Transaction, out) {
			zap.L().Debug("reply for unknown transaction ignored",
				zap.String("transaction", env.Transaction))
		}
		return
	}
	// Handlers may block; never stall the ingress path on them.
	go s.dispatch(env)
}

// dispatch invokes the handler for env and routes the reply back. A missing
// handler becomes a NoHandlerError reply without raising anything locally; a
// failing handler additionally reaches the unhandled hook, after the reply
// is on its way.
func (s *Sandbox) dispatch(env *protocol.Envelope) {
	s.mu.Lock()
	h := s.handlers[env.MessageID]
	s.mu.Unlock()

	var result any
	var herr error
	if h == nil {
		herr = &faults.NoHandlerError{MessageID: env.MessageID}
	} else {
		result, herr = invoke(h, Message{
			Sender:  env.Origin,
			ID:      env.MessageID,
			Payload: env.Payload,
			Time:    time.UnixMilli(env.Timestamp),
		})
	}

	reply := protocol.NewReply(s.self(), env)
	if herr != nil {
		reply.Error = faults.Encode(herr)
	} else {
		reply.Payload = result
	}
	s.route(reply)

	if herr != nil && h != nil && s.unhandled != nil {
		s.unhandled(herr)
	}
}

// invoke shields the dispatch path from panicking handlers.
func invoke(h Handler, msg Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(msg)
}

// accept wires one inbound channel into the coordinator's hub and flushes
// whatever was backlogged for its id.
func (s *Sandbox) accept(ch transport.Channel, instance *uint32) {
	role, ok := endpoint.RoleByName(ch.Name())
	if !ok || role == endpoint.RoleCoordinator || role == endpoint.RolePage {
		zap.L().Warn("channel with unroutable name rejected", zap.String("name", ch.Name()))
		_ = ch.Close()
		return
	}
	id := endpoint.ChannelID(role, instance)
	ch.OnMessage(func(env *protocol.Envelope) {
		// A page sandbox cannot know which content instance it lives in,
		// so its origin arrives bare. The channel it came through does
		// know; stamping here is what lets the reply route back.
		if env.Origin.Instance == nil {
			env.Origin.Instance = instance
		}
		s.ingress(env)
	})
	ch.OnDisconnect(func() { s.registry.Disconnect(id) })
	queued := s.registry.Connect(id, ch)
	for i, env := range queued {
		if err := ch.Post(env); err != nil {
			zap.L().Error("backlog flush failed",
				zap.String("channel", id), zap.Error(err))
			// Connect already drained these; put the undelivered tail
			// back so a reconnect still gets them.
			for _, rest := range queued[i:] {
				s.registry.Enqueue(id, rest)
			}
			return
		}
	}
}
