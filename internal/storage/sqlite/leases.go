package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/types"
)

func readLease(ctx context.Context, q execer, projectID, refID string) (*types.Lease, error) {
	var l types.Lease
	err := q.QueryRowContext(ctx, `
		SELECT project_id, ref_id, holder_user, holder_session, expires_at
		FROM ref_leases WHERE project_id = ? AND ref_id = ?
	`, projectID, refID).Scan(&l.ProjectID, &l.RefID, &l.HolderUser, &l.HolderSession, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}
	return &l, nil
}

// AcquireRefLease takes or refreshes the per-ref lease:
//
//   - no row, or the row is expired: upsert with the TTL and grant
//   - the caller already holds it: refresh the TTL and grant
//   - someone else holds it unexpired: refuse with the holder info
func (s *SQLiteStorage) AcquireRefLease(ctx context.Context, projectID, refID, userID, session string, ttl time.Duration) (*storage.LeaseGrant, error) {
	if session == "" {
		return nil, fmt.Errorf("%w: lease session is required", types.ErrInvalidArgument)
	}

	var grant storage.LeaseGrant
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireMember(ctx, tx, projectID, userID); err != nil {
			return err
		}
		if _, err := getRef(ctx, tx, projectID, refID); err != nil {
			return err
		}

		now := time.Now()
		lease, err := readLease(ctx, tx, projectID, refID)
		if err != nil {
			return err
		}
		if lease != nil && !lease.Expired(now) && !lease.HeldBy(userID, session) {
			grant = storage.LeaseGrant{
				Acquired:      false,
				HolderUser:    lease.HolderUser,
				HolderSession: lease.HolderSession,
				ExpiresAt:     lease.ExpiresAt,
			}
			return nil
		}

		expiresAt := now.Add(ttl)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ref_leases (project_id, ref_id, holder_user, holder_session, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (project_id, ref_id) DO UPDATE SET
				holder_user = excluded.holder_user,
				holder_session = excluded.holder_session,
				expires_at = excluded.expires_at
		`, projectID, refID, userID, session, expiresAt)
		if err != nil {
			return fmt.Errorf("failed to upsert lease: %w", err)
		}
		grant = storage.LeaseGrant{
			Acquired:      true,
			HolderUser:    userID,
			HolderSession: session,
			ExpiresAt:     expiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

// RefreshRefLease extends the caller's lease. It is an idempotent
// heartbeat; a different stored holder fails with ErrLeaseExpired.
func (s *SQLiteStorage) RefreshRefLease(ctx context.Context, projectID, refID, userID, session string, ttl time.Duration) (*storage.LeaseGrant, error) {
	var grant storage.LeaseGrant
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		lease, err := readLease(ctx, tx, projectID, refID)
		if err != nil {
			return err
		}
		if lease == nil || !lease.HeldBy(userID, session) {
			return fmt.Errorf("%w: refresh by session %s", types.ErrLeaseExpired, session)
		}

		expiresAt := time.Now().Add(ttl)
		if _, err := tx.ExecContext(ctx, `
			UPDATE ref_leases SET expires_at = ? WHERE project_id = ? AND ref_id = ?
		`, expiresAt, projectID, refID); err != nil {
			return fmt.Errorf("failed to refresh lease: %w", err)
		}
		grant = storage.LeaseGrant{
			Acquired:      true,
			HolderUser:    userID,
			HolderSession: session,
			ExpiresAt:     expiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

// ReleaseRefLease removes the lease row when the session matches, or
// unconditionally when force is set. Releasing a lease the caller does
// not hold is a no-op.
func (s *SQLiteStorage) ReleaseRefLease(ctx context.Context, projectID, refID, session string, force bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if force {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM ref_leases WHERE project_id = ? AND ref_id = ?
			`, projectID, refID); err != nil {
				return fmt.Errorf("failed to force-release lease: %w", err)
			}
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM ref_leases WHERE project_id = ? AND ref_id = ? AND holder_session = ?
		`, projectID, refID, session); err != nil {
			return fmt.Errorf("failed to release lease: %w", err)
		}
		return nil
	})
}

// GetRefLease reads the current lease row, expired or not. Nil means no
// row exists.
func (s *SQLiteStorage) GetRefLease(ctx context.Context, projectID, refID string) (*types.Lease, error) {
	return readLease(ctx, s.db, projectID, refID)
}

// ListRefLeases is a diagnostic read of all unexpired leases in the
// project.
func (s *SQLiteStorage) ListRefLeases(ctx context.Context, projectID string) ([]*types.Lease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, ref_id, holder_user, holder_session, expires_at
		FROM ref_leases
		WHERE project_id = ? AND expires_at > ?
		ORDER BY ref_id
	`, projectID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	defer rows.Close()

	var out []*types.Lease
	for rows.Next() {
		var l types.Lease
		if err := rows.Scan(&l.ProjectID, &l.RefID, &l.HolderUser, &l.HolderSession, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate leases: %w", err)
	}
	return out, nil
}
