package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"checkout-service/internal/config"
	"checkout-service/internal/util"
)

const opTimeout = 5 * time.Second

// PreparedStatements holds the CQL used by the OTP repository.
type PreparedStatements struct {
	InsertOTP    string
	SelectLatest string
	SelectActive string
	CASAttempts  string
	CASMarkUsed  string
}

type ScyllaClient struct {
	Session  *gocql.Session
	Prepared *PreparedStatements
	keyspace string
}

func newCluster(cfg *config.Config, keyspace string) *gocql.ClusterConfig {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if cfg.IsProduction() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_TLS_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_TLS_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                util.GetEnv("SCYLLA_TLS_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}
	return cluster
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	session, err := newCluster(cfg, cfg.Scylla.Keyspace).CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:  session,
		Prepared: preparedStatements(),
		keyspace: cfg.Scylla.Keyspace,
	}

	util.Info("ScyllaDB client initialized",
		util.Any("nodes", cfg.Scylla.Nodes),
		util.String("keyspace", cfg.Scylla.Keyspace))

	return client, nil
}

func preparedStatements() *PreparedStatements {
	const columns = `identifier_hash, created_at, otp_id, encrypted_identifier, encrypted_dek, key_id,
		method, otp_hash, otp_salt, hash_algorithm, pepper_version, attempts, is_used, expires_at, ip_address`

	return &PreparedStatements{
		InsertOTP: `INSERT INTO otp_records (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,

		SelectLatest: `SELECT ` + columns + ` FROM otp_records WHERE identifier_hash = ? LIMIT 1`,

		SelectActive: `SELECT created_at, otp_id, is_used FROM otp_records WHERE identifier_hash = ?`,

		CASAttempts: `UPDATE otp_records SET attempts = ?
		WHERE identifier_hash = ? AND created_at = ? AND otp_id = ?
		IF attempts = ? AND is_used = false`,

		CASMarkUsed: `UPDATE otp_records SET is_used = true
		WHERE identifier_hash = ? AND created_at = ? AND otp_id = ?
		IF is_used = false`,
	}
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

// Query builds a statement bound to ctx. gocql prepares it on first use.
func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var clusterName string
	if err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName); err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", util.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries transient failures with linear backoff.
func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = query.Exec(); lastErr == nil {
			return nil
		}
		if i < maxRetries {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

// ScanWithRetry retries transient read failures; gocql.ErrNotFound is returned
// immediately.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = query.Scan(dest...)
		if lastErr == nil || lastErr == gocql.ErrNotFound {
			return lastErr
		}
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
