package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"vote-service/internal/config"
	"vote-service/internal/util"
)

// PreparedStatements holds prepared statements that are actually used by the repositories
type PreparedStatements struct {
	CreateChallenge   *gocql.Query
	GetChallenge      *gocql.Query
	IncrementAttempt  *gocql.Query
	UpdateStatus      *gocql.Query
	DeleteChallenge   *gocql.Query
	ScanChallengeKeys *gocql.Query

	InsertVote   *gocql.Query
	GetVote      *gocql.Query
	DeleteVote   *gocql.Query
	CountVotes   *gocql.Query
	ScanAllVotes *gocql.Query

	IncrementTally *gocql.Query
	GetTally       *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateChallenge = s.Session.Query(`
        INSERT INTO otp_challenges (
            dedup_key, project_id, challenge_id, contact_method, contact_encrypted,
            code_hash, code_salt, pepper_version, hash_algorithm, status,
            attempt_count, issued_at, expires_at, origin, client_signature
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`)

	prepared.GetChallenge = s.Session.Query(`
        SELECT dedup_key, project_id, challenge_id, contact_method, contact_encrypted,
            code_hash, code_salt, pepper_version, hash_algorithm, status,
            attempt_count, issued_at, expires_at, origin, client_signature
        FROM otp_challenges WHERE dedup_key = ? AND project_id = ?`)

	prepared.IncrementAttempt = s.Session.Query(`
        UPDATE otp_challenges SET attempt_count = ?
        WHERE dedup_key = ? AND project_id = ? IF attempt_count = ?`)

	prepared.UpdateStatus = s.Session.Query(`
        UPDATE otp_challenges SET status = ?
        WHERE dedup_key = ? AND project_id = ? IF status = ?`)

	prepared.DeleteChallenge = s.Session.Query(`
        DELETE FROM otp_challenges WHERE dedup_key = ? AND project_id = ?`)

	prepared.ScanChallengeKeys = s.Session.Query(`
        SELECT dedup_key, project_id, expires_at, status FROM otp_challenges`)

	prepared.InsertVote = s.Session.Query(`
        INSERT INTO votes (
            project_id, dedup_key, vote_id, contact_method, contact_encrypted,
            origin, client_signature, cast_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`)

	prepared.GetVote = s.Session.Query(`
        SELECT project_id, dedup_key, vote_id, contact_method, contact_encrypted,
            origin, client_signature, cast_at
        FROM votes WHERE project_id = ? AND dedup_key = ?`)

	prepared.DeleteVote = s.Session.Query(`
        DELETE FROM votes WHERE project_id = ? AND dedup_key = ?`)

	prepared.CountVotes = s.Session.Query(`
        SELECT COUNT(*) FROM votes WHERE project_id = ?`)

	prepared.ScanAllVotes = s.Session.Query(`
        SELECT project_id, dedup_key, vote_id, contact_method, contact_encrypted,
            origin, client_signature, cast_at
        FROM votes`)

	prepared.IncrementTally = s.Session.Query(`
        UPDATE project_tallies SET vote_count = vote_count + ? WHERE project_id = ?`)

	prepared.GetTally = s.Session.Query(`
        SELECT vote_count FROM project_tallies WHERE project_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
