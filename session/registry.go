package session

import (
	"sync"
	"time"

	"github.com/thakursanju/smartToll/attestation"
	"github.com/thakursanju/smartToll/feed"
	"github.com/thakursanju/smartToll/orchestrator"
	"github.com/thakursanju/smartToll/settlement"
	"github.com/thakursanju/smartToll/tagreader"
	"github.com/thakursanju/smartToll/tollbooth"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
)

// Deps are the collaborators shared by every session.
type Deps struct {
	Booths            *tollbooth.Table
	Settler           settlement.Service
	Ledger            orchestrator.Ledger
	Attester          attestation.Attester
	Reader            tagreader.Reader
	Broker            *feed.Broker
	Scope             string
	SettlementTimeout time.Duration
	AttestTimeout     time.Duration
	ScanTimeout       time.Duration
	Logger            cmtlog.Logger
}

// Registry owns the live sessions.
type Registry struct {
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps,
		sessions: make(map[string]*Session),
	}
}

// Create starts a session, connecting walletAddress when it is not empty.
func (r *Registry) Create(walletAddress string) (*Session, error) {
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		wallet:    &Wallet{},
		attest:    attestation.NewSession(r.deps.Attester, r.deps.Scope),
		reader:    r.deps.Reader,
		broker:    r.deps.Broker,
		timeout:   timeouts{attest: r.deps.AttestTimeout, scan: r.deps.ScanTimeout},
	}
	s.logger = r.deps.Logger.With("module", "session")
	s.lastChange = s.CreatedAt

	if walletAddress != "" {
		if err := s.wallet.Connect(walletAddress); err != nil {
			return nil, err
		}
	}

	s.orch = orchestrator.New(
		s.wallet,
		r.deps.Booths,
		r.deps.Settler,
		r.deps.Ledger,
		r.deps.Logger.With("module", "orchestrator", "session", s.ID),
		orchestrator.WithSettlementTimeout(r.deps.SettlementTimeout),
		orchestrator.WithTransitionHook(s.onTransition),
	)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	s.logger.Info("Session created", "session", s.ID)
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Teardown closes and forgets the session. It returns false for unknown ids.
func (r *Registry) Teardown(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		s.Close()
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close tears down every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
