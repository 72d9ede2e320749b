package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"vote-service/internal/bucketing"
	"vote-service/internal/client"
	"vote-service/internal/config"
	"vote-service/internal/delivery"
	"vote-service/internal/encryption"
	"vote-service/internal/fraud"
	"vote-service/internal/hashing"
	"vote-service/internal/ratelimit"
	"vote-service/internal/remediation"
	"vote-service/internal/repository"
	"vote-service/internal/repository/memory"
	redisrepo "vote-service/internal/repository/redis"
	"vote-service/internal/repository/scylla"
	"vote-service/internal/security"
	"vote-service/internal/service"
	"vote-service/internal/tls"
	"vote-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher           *hashing.Hasher
	encryptor        *encryption.Manager
	bucketingManager *bucketing.Manager
	denylist         *fraud.Denylist
	events           security.EventSink

	// Repositories
	challengeRepo repository.ChallengeRepository
	voteRepo      repository.VoteRepository
	tallyRepo     repository.TallyRepository

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewManager(&tls.Config{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	factory.initializeRepositories()
	factory.initializeDenylist()
	factory.initializeEvents()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis backs the shared rate-limit store; only required when
	// configured as the backend.
	if f.config.RateLimit.Backend == "redis" {
		if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
			}
		}
	}

	// ScyllaDB
	if c, err := scylla.NewScyllaClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = c
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
	}

	// Elasticsearch feeds the fraud denylist; optional, files remain the
	// fallback source.
	if f.config.Elasticsearch.DenylistIndex != "" {
		if c, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			util.Warn("Elasticsearch initialization failed - using file denylist only", util.ErrorField(err))
		} else {
			f.esClient = c
		}
	}

	// ClickHouse stores remediation audit reports.
	if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = c
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() error {
	hasher, err := hashing.NewHasher(f.config)
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}
	f.hasher = hasher

	var kmsClient encryption.KMSDecryptAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	encryptor, err := encryption.NewManager(f.config, kmsClient)
	if err != nil {
		return fmt.Errorf("encryption: %w", err)
	}
	f.encryptor = encryptor

	f.bucketingManager = bucketing.NewManager(f.config)

	if f.config.IsProduction() {
		f.hasher.StartPepperRotation()
	}

	return nil
}

// initializeRepositories picks the storage backend. Without a reachable
// Scylla cluster in development, in-memory stores keep the flow usable.
func (f *Factory) initializeRepositories() {
	if f.scyllaClient != nil {
		f.challengeRepo = scylla.NewChallengeRepository(f.scyllaClient)
		f.voteRepo = scylla.NewVoteRepository(f.scyllaClient)
		f.tallyRepo = scylla.NewTallyRepository(f.scyllaClient)
		return
	}

	util.Warn("ScyllaDB unavailable, falling back to in-memory stores")
	f.challengeRepo = memory.NewChallengeStore()
	f.voteRepo = memory.NewVoteStore()
	f.tallyRepo = memory.NewTallyStore()
}

func (f *Factory) initializeDenylist() {
	f.denylist = fraud.NewDenylist()

	err := f.denylist.LoadFromFiles(f.config.Fraud.FingerprintFile, f.config.Fraud.DisposableDomainFile)
	if err != nil {
		util.Warn("Denylist file load failed", util.ErrorField(err))
	}

	if f.esClient != nil && f.config.Elasticsearch.DenylistIndex != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := f.denylist.RefreshFromElasticsearch(ctx, f.esClient, f.config.Elasticsearch.DenylistIndex); err != nil {
			util.Warn("Denylist Elasticsearch refresh failed", util.ErrorField(err))
		}
	}
}

func (f *Factory) initializeEvents() {
	sinks := []security.EventSink{security.NewLogSink()}
	if f.kafkaProducer != nil {
		sinks = append(sinks, security.NewKafkaSink(f.kafkaProducer, f.bucketingManager))
	}
	f.events = security.NewMultiSink(sinks...)
}

// ServiceFactory lazily assembles the service layer.
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		identityCounters, originCounters := f.counterStores()
		f.serviceFactory = service.NewServiceFactory(service.Deps{
			ChallengeRepo:    f.challengeRepo,
			VoteRepo:         f.voteRepo,
			TallyRepo:        f.tallyRepo,
			IdentityCounters: identityCounters,
			OriginCounters:   originCounters,
			Denylist:         f.denylist,
			Encryptor:        f.encryptor,
			Hasher:           f.hasher,
			Sender:           f.sender(),
			Events:           f.events,
			Config:           f.config,
		})
	}
	return f.serviceFactory
}

// RemediationPipeline builds the offline fraud pass over the current
// repositories.
func (f *Factory) RemediationPipeline() *remediation.Pipeline {
	var reports remediation.ReportWriter
	if f.clickhouseClient != nil {
		reports = remediation.NewClickhouseWriter(f.clickhouseClient, f.config.Remediation)
	} else {
		util.Warn("ClickHouse unavailable, remediation reports kept in memory only")
		reports = remediation.NewMemoryWriter()
	}

	return remediation.NewPipeline(
		f.voteRepo,
		f.challengeRepo,
		f.ServiceFactory().Votes,
		f.encryptor,
		f.denylist,
		reports,
		f.events,
		f.config.Remediation,
		f.config.Fraud,
	)
}

// counterStores picks the throttle backends. With Redis the identity window
// is a fixed-window counter and the origin window is the sliding variant,
// which tracks the trailing minute the velocity heuristic is tuned for.
func (f *Factory) counterStores() (ratelimit.CounterStore, ratelimit.CounterStore) {
	if f.config.RateLimit.Backend == "redis" && f.redisClient != nil {
		cache := redisrepo.NewRateLimitCache(f.redisClient)
		return cache, redisrepo.NewSlidingWindowStore(cache)
	}
	store := ratelimit.NewMemoryStore()
	return store, store
}

func (f *Factory) sender() delivery.Sender {
	// Email/SMS transport is owned by an external collaborator. The log
	// sender stands in wherever that collaborator is not configured.
	return delivery.NewLogSender()
}

// HealthCheck reports the health of every initialized dependency.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.config.RateLimit.Backend == "redis" {
		if f.redisClient != nil {
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				healthErrors["redis"] = err
			}
		} else {
			healthErrors["redis"] = fmt.Errorf("redis client not initialized")
		}
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else if f.config.IsProduction() {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}
