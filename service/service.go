// Package service is the session surface: submit a goal, watch it run,
// cancel it, continue the conversation. It owns the mapping from session ids
// to running loops; all state lives in an explicit store handed in at
// construction.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kfaulkner/steward/agent"
	"github.com/kfaulkner/steward/errors"
	"github.com/kfaulkner/steward/llm"
	"github.com/kfaulkner/steward/planner"
	"github.com/kfaulkner/steward/session"
	"github.com/kfaulkner/steward/tools"
)

// ClientFactory builds a completion client for a provider. The default is
// llm.New with the configured model; tests substitute stubs.
type ClientFactory func(ctx context.Context, p llm.Provider) (llm.Client, error)

// Service runs agent sessions. Each submitted goal gets its own goroutine
// driving the loop; the service tracks cancel functions so runs can be
// stopped from outside.
type Service struct {
	store         *session.Store
	gateway       *tools.Gateway
	factory       ClientFactory
	maxIterations int
	log           *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a service over the given store and gateway.
func New(store *session.Store, gateway *tools.Gateway, factory ClientFactory, maxIterations int, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:         store,
		gateway:       gateway,
		factory:       factory,
		maxIterations: maxIterations,
		log:           log,
		cancels:       make(map[string]context.CancelFunc),
	}
}

// Submit creates a session for the goal and starts it asynchronously. It
// fails fast, before any session exists, when the provider is unknown or
// has no credentials.
func (s *Service) Submit(goal, provider string) (string, error) {
	p, err := llm.ParseProvider(provider)
	if err != nil {
		return "", err
	}
	client, err := s.factory(context.Background(), p)
	if err != nil {
		return "", err
	}

	sess := s.store.Create(goal, string(p))
	sess.AppendMessage("user", goal)
	s.start(sess, client)
	return sess.ID(), nil
}

// Continue appends a follow-up user message to a finished session and runs
// it again over the accumulated conversation. A session that is still
// running cannot be continued.
func (s *Service) Continue(id, message string) error {
	sess, err := s.store.Get(id)
	if err != nil {
		return err
	}
	// A terminal status is authoritative: the loop goroutine has finished
	// writing even if its cancel entry is not deregistered yet.
	if sess.Status().Terminal() {
		sess.Reopen()
	} else if s.running(id) {
		return errors.New("session %s is still running", id)
	}

	p, err := llm.ParseProvider(sess.Provider())
	if err != nil {
		return err
	}
	client, err := s.factory(context.Background(), p)
	if err != nil {
		return err
	}

	sess.AppendMessage("user", message)
	s.start(sess, client)
	return nil
}

// Status returns a point-in-time snapshot of the session.
func (s *Service) Status(id string) (session.Snapshot, error) {
	sess, err := s.store.Get(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// Stream subscribes to the session's events from now on. The channel closes
// when the session reaches a terminal status or the returned cancel
// function is called.
func (s *Service) Stream(id string) (<-chan session.Event, func(), error) {
	sess, err := s.store.Get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, stop := sess.Events().Subscribe()
	return ch, stop, nil
}

// Cancel stops a running session. Cancelling a session that already
// finished is a no-op.
func (s *Service) Cancel(id string) error {
	if _, err := s.store.Get(id); err != nil {
		return err
	}
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Clear resets a finished session's history while keeping its identity.
func (s *Service) Clear(id string) error {
	sess, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if !sess.Status().Terminal() && s.running(id) {
		return errors.New("session %s is still running", id)
	}
	sess.Clear()
	return nil
}

// Shutdown cancels every running session.
func (s *Service) Shutdown() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, c := range s.cancels {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (s *Service) running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancels[id]
	return ok
}

// start launches the loop goroutine for sess and registers its cancel
// function.
func (s *Service) start(sess *session.Session, client llm.Client) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[sess.ID()] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.cancels, sess.ID())
			s.mu.Unlock()
			cancel()
		}()
		p := planner.New(client, nil, s.log)
		loop := agent.New(s.gateway, p, s.maxIterations, s.log)
		if err := loop.Run(ctx, sess); err != nil {
			s.log.Warn("session ended with error", "session", sess.ID(), "cause", err)
		}
	}()
}

// DefaultFactory builds real provider clients using the given model lookup.
// Every completion carries the given deadline.
func DefaultFactory(modelFor func(provider string) string, timeout time.Duration) ClientFactory {
	return func(ctx context.Context, p llm.Provider) (llm.Client, error) {
		client, err := llm.New(ctx, p, modelFor(string(p)))
		if err != nil {
			return nil, err
		}
		return llm.WithTimeout(client, timeout), nil
	}
}
