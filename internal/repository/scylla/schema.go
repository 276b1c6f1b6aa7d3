package scylla

import (
	"fmt"

	"checkout-service/internal/config"
	"checkout-service/internal/util"
)

// otpTableTTL bounds how long an OTP row outlives its expiry.
const otpTableTTL = 86400

func schemaStatements(keyspace string) []string {
	return []string{
		fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s
			WITH replication = {'class': 'NetworkTopologyStrategy', 'replication_factor': 3}`, keyspace),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.otp_records (
			identifier_hash text,
			created_at timestamp,
			otp_id uuid,
			encrypted_identifier text,
			encrypted_dek text,
			key_id text,
			method text,
			otp_hash text,
			otp_salt text,
			hash_algorithm text,
			pepper_version int,
			attempts int,
			is_used boolean,
			expires_at timestamp,
			ip_address inet,
			PRIMARY KEY ((identifier_hash), created_at, otp_id)
		) WITH CLUSTERING ORDER BY (created_at DESC, otp_id ASC)
		  AND default_time_to_live = %d`, keyspace, otpTableTTL),
	}
}

// Migrate creates the keyspace and OTP table. It connects without a keyspace
// since the keyspace may not exist yet.
func Migrate(cfg *config.Config) error {
	session, err := newCluster(cfg, "").CreateSession()
	if err != nil {
		return fmt.Errorf("failed to create scylla session: %w", err)
	}
	defer session.Close()

	for _, stmt := range schemaStatements(cfg.Scylla.Keyspace) {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("failed to apply scylla schema: %w", err)
		}
	}

	util.Info("ScyllaDB schema applied", util.String("keyspace", cfg.Scylla.Keyspace))
	return nil
}
