package service

import (
	"context"
	"time"

	"vote-service/internal/config"
	"vote-service/internal/delivery"
	"vote-service/internal/encryption"
	"vote-service/internal/fraud"
	"vote-service/internal/hashing"
	"vote-service/internal/ratelimit"
	"vote-service/internal/repository"
	"vote-service/internal/security"
)

// ServiceFactory assembles the service layer from its dependencies and
// owns the background workers the services start.
type ServiceFactory struct {
	Challenges *ChallengeService
	Votes      *VoteService

	counterStores []ratelimit.CounterStore
	sweepInterval time.Duration
	cancel        context.CancelFunc
}

// Deps is everything the service layer needs, already initialized.
// OriginCounters may be nil, in which case the identity store backs both
// windows.
type Deps struct {
	ChallengeRepo    repository.ChallengeRepository
	VoteRepo         repository.VoteRepository
	TallyRepo        repository.TallyRepository
	IdentityCounters ratelimit.CounterStore
	OriginCounters   ratelimit.CounterStore
	Denylist         *fraud.Denylist
	Encryptor        *encryption.Manager
	Hasher           *hashing.Hasher
	Sender           delivery.Sender
	Events           security.EventSink
	Config           *config.Config
}

func NewServiceFactory(deps Deps) *ServiceFactory {
	cfg := deps.Config

	votes := NewVoteService(deps.VoteRepo, deps.TallyRepo, deps.Encryptor, deps.Hasher, deps.Events)

	originCounters := deps.OriginCounters
	if originCounters == nil {
		originCounters = deps.IdentityCounters
	}

	identityLimiter := ratelimit.NewLimiter(deps.IdentityCounters, ratelimit.Rule{
		Window:      cfg.RateLimit.IdentityWindow,
		MaxAttempts: int64(cfg.RateLimit.IdentityMaxAttempts),
	})
	originLimiter := ratelimit.NewLimiter(originCounters, ratelimit.Rule{
		Window:      cfg.RateLimit.OriginWindow,
		MaxAttempts: int64(cfg.RateLimit.OriginMaxAttempts),
	})

	fraudEngine := fraud.NewEngine(deps.Denylist, cfg.Fraud, deps.Events)

	challenges := NewChallengeService(
		deps.ChallengeRepo,
		votes,
		identityLimiter,
		originLimiter,
		fraudEngine,
		deps.Encryptor,
		deps.Hasher,
		deps.Sender,
		deps.Events,
		cfg.OTP,
	)

	sweepInterval := cfg.RateLimit.IdentityWindow
	if cfg.RateLimit.OriginWindow > sweepInterval {
		sweepInterval = cfg.RateLimit.OriginWindow
	}

	counterStores := []ratelimit.CounterStore{deps.IdentityCounters}
	if originCounters != deps.IdentityCounters {
		counterStores = append(counterStores, originCounters)
	}

	return &ServiceFactory{
		Challenges:    challenges,
		Votes:         votes,
		counterStores: counterStores,
		sweepInterval: sweepInterval,
	}
}

// StartBackground launches the periodic expiry sweeper and, for
// memory-backed rate limiting, the counter sweeper that keeps a long-lived
// process from accumulating a window per identity ever seen.
func (f *ServiceFactory) StartBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.Challenges.StartSweeper(ctx)

	for _, store := range f.counterStores {
		if memStore, ok := store.(*ratelimit.MemoryStore); ok {
			memStore.StartSweeper(ctx, f.sweepInterval)
		}
	}
}

// Cleanup stops background workers.
func (f *ServiceFactory) Cleanup() {
	if f.cancel != nil {
		f.cancel()
	}
}
