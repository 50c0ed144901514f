package ceremony

import (
	"context"
	"time"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/tree"
	"go.dedis.ch/onet/v3/log"
)

// DefaultPhaseTimeout bounds the wait for commitments or shares.
const DefaultPhaseTimeout = 2 * time.Second

// Outbox sends ceremony messages to a device, which may be the local one.
type Outbox interface {
	Send(ctx context.Context, to aura.AuthorityID, m *Message) error
}

// Session drives a coordinator over the network: it sends its messages,
// waits for the answers with a deadline per phase and stops when the
// registry supersedes it.
type Session struct {
	*Coordinator
	out          Outbox
	phaseTimeout time.Duration
	inbox        chan *Message
	stop         chan struct{}
}

// NewSession wraps c. A zero phaseTimeout uses DefaultPhaseTimeout.
func NewSession(c *Coordinator, out Outbox, phaseTimeout time.Duration) *Session {
	if phaseTimeout <= 0 {
		phaseTimeout = DefaultPhaseTimeout
	}
	return &Session{
		Coordinator:  c,
		out:          out,
		phaseTimeout: phaseTimeout,
		// Two answers per signer and round at most are in flight.
		inbox: make(chan *Message, 2*len(c.signers)*MaxRounds),
		stop:  make(chan struct{}, 1),
	}
}

// Deliver hands an answer to the session. It never blocks: when the inbox
// is full the message is dropped and its sender treated as silent.
func (s *Session) Deliver(m *Message) bool {
	select {
	case s.inbox <- m:
		return true
	default:
		log.Warnf("ceremony %s: inbox full, dropping %s", s.id.Prefix(), m.Kind())
		return false
	}
}

// Stop implements Stopper.
func (s *Session) Stop(o Outcome) {
	if s.Supersede(o) {
		select {
		case s.stop <- struct{}{}:
		default:
		}
	}
}

func (s *Session) broadcast(ctx context.Context, m *Message) {
	for _, l := range s.Signers() {
		to, ok := s.Authority(l)
		if !ok {
			continue
		}
		if err := s.out.Send(ctx, to, m); err != nil {
			log.Lvlf2("ceremony %s: %s to leaf %d: %v", s.id.Prefix(), m.Kind(), l, err)
		}
	}
}

// Run drives the ceremony until it is aggregated and returns the attested
// operation. The caller applies it and calls MarkCommitted. When ctx ends
// first the ceremony is superseded with Timeout.
func (s *Session) Run(ctx context.Context) (*tree.TreeOp, error) {
	m, err := s.Start()
	if err != nil {
		return nil, err
	}
	s.broadcast(ctx, m)
	for {
		switch s.Outcome().State {
		case AwaitCommitments:
			if err := s.wait(ctx, s.CommitmentsComplete); err != nil {
				return nil, err
			}
			req, err := s.CloseCommitments()
			if err != nil {
				return nil, err
			}
			s.broadcast(ctx, req)
		case AwaitShares:
			if err := s.wait(ctx, s.SharesComplete); err != nil {
				return nil, err
			}
			next, err := s.CloseShares(ctx)
			if err != nil {
				return nil, s.timedOut(ctx, err)
			}
			if next != nil {
				s.broadcast(ctx, next)
			}
		case AggregateReady:
			return s.Aggregate()
		default:
			return nil, s.Outcome().Err(s.id)
		}
	}
}

// wait consumes answers until done returns true or the phase deadline
// passes. Answers that do not fit the current phase are dropped.
func (s *Session) wait(ctx context.Context, done func() bool) error {
	timer := time.NewTimer(s.phaseTimeout)
	defer timer.Stop()
	for !done() {
		select {
		case m := <-s.inbox:
			var err error
			switch {
			case m.NonceCommit != nil:
				err = s.HandleCommit(m.NonceCommit)
			case m.SignShare != nil:
				err = s.HandleShare(m.SignShare)
			default:
				log.Lvlf3("ceremony %s: ignoring %s", s.id.Prefix(), m.Kind())
			}
			if err != nil {
				log.Lvlf3("ceremony %s: dropping %s: %v", s.id.Prefix(), m.Kind(), err)
			}
		case <-timer.C:
			return nil
		case <-s.stop:
			return s.Outcome().Err(s.id)
		case <-ctx.Done():
			return s.timedOut(ctx, ctx.Err())
		}
	}
	return nil
}

func (s *Session) timedOut(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	s.Supersede(Outcome{State: Superseded, Reason: Timeout})
	return s.Outcome().Err(s.id)
}
