package consent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/brandmeonline/integrity-spine/pkg/contracts"
	"github.com/brandmeonline/integrity-spine/pkg/errkind"
	"github.com/brandmeonline/integrity-spine/pkg/storage"
)

// PostgresStore persists the consent graph in the shared relational schema.
type PostgresStore struct {
	store *storage.Adapter
}

func NewPostgresStore(store *storage.Adapter) *PostgresStore {
	return &PostgresStore{store: store}
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *contracts.User) error {
	return s.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (user_id, handle, display_name, region_code, trust_score, consent_version, is_active)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			u.UserID, u.Handle, u.DisplayName, u.RegionCode, u.TrustScore, orOne(u.ConsentVersion), u.IsActive)
		if isUniqueViolation(err) {
			return errkind.New(errkind.Conflict, "user %s already exists", u.UserID)
		}
		if err != nil {
			return fmt.Errorf("create user %s: %w", u.UserID, err)
		}
		return nil
	})
}

func (s *PostgresStore) User(ctx context.Context, userID string) (*contracts.User, error) {
	var u contracts.User
	err := s.store.ReadOnly(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT user_id, handle, display_name, region_code, trust_score, consent_version, is_active, created_at
			 FROM users WHERE user_id = $1`,
			userID).Scan(&u.UserID, &u.Handle, &u.DisplayName, &u.RegionCode, &u.TrustScore, &u.ConsentVersion, &u.IsActive, &u.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return errkind.New(errkind.NotFound, "user %s not found", userID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) PutPolicy(ctx context.Context, p *Policy) error {
	if p.ConsentID == "" {
		p.ConsentID = uuid.NewString()
	}
	if p.PolicyVersion == 0 {
		p.PolicyVersion = 1
	}
	return s.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO consent_policies
			   (consent_id, user_id, scope, visibility, asset_id, facet_type, grantee_user_id, policy_version, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (consent_id) DO UPDATE
			   SET visibility = EXCLUDED.visibility, expires_at = EXCLUDED.expires_at`,
			p.ConsentID, p.UserID, p.Class, string(p.Visibility),
			nullString(p.AssetID), nullString(string(p.FacetType)), nullString(p.GranteeUserID),
			p.PolicyVersion, p.ExpiresAt)
		if err != nil {
			return fmt.Errorf("put consent %s: %w", p.ConsentID, err)
		}
		return nil
	})
}

func (s *PostgresStore) ActivePolicies(ctx context.Context, ownerID string) ([]*Policy, error) {
	var out []*Policy
	err := s.store.ReadOnly(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT consent_id, user_id, scope, visibility, asset_id, facet_type, grantee_user_id,
			        policy_version, expires_at, created_at
			 FROM consent_policies
			 WHERE user_id = $1 AND NOT is_revoked
			 ORDER BY created_at DESC`,
			ownerID)
		if err != nil {
			return fmt.Errorf("list consent for %s: %w", ownerID, err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				p                    Policy
				vis                  string
				asset, facet, grantee sql.NullString
				expires              sql.NullTime
			)
			if err := rows.Scan(&p.ConsentID, &p.UserID, &p.Class, &vis, &asset, &facet, &grantee,
				&p.PolicyVersion, &expires, &p.CreatedAt); err != nil {
				return err
			}
			p.Visibility = contracts.Visibility(vis)
			p.AssetID = asset.String
			p.FacetType = contracts.Facet(facet.String)
			p.GranteeUserID = grantee.String
			if expires.Valid {
				t := expires.Time
				p.ExpiresAt = &t
			}
			out = append(out, &p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) RevokePolicy(ctx context.Context, consentID, reason string) error {
	return s.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE consent_policies
			 SET is_revoked = TRUE, revoked_at = now(), revoke_reason = $2
			 WHERE consent_id = $1 AND NOT is_revoked`,
			consentID, nullString(reason))
		if err != nil {
			return fmt.Errorf("revoke consent %s: %w", consentID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errkind.New(errkind.NotFound, "consent %s not found", consentID)
		}
		return nil
	})
}

func (s *PostgresStore) RevokeGlobal(ctx context.Context, ownerID, reason string) (int64, error) {
	var n int64
	err := s.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE consent_policies
			 SET is_revoked = TRUE, revoked_at = now(), revoke_reason = $2
			 WHERE user_id = $1 AND NOT is_revoked`,
			ownerID, nullString(reason))
		if err != nil {
			return fmt.Errorf("revoke consent for %s: %w", ownerID, err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) UpsertFriendship(ctx context.Context, f *Friendship) error {
	a, b := CanonicalPair(f.UserA, f.UserB)
	if a == b || a == "" {
		return errkind.New(errkind.Validation, "friendship requires two distinct users")
	}
	return s.store.ReadWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO friendships (user_id_a, user_id_b, status, initiated_by, accepted_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (user_id_a, user_id_b) DO UPDATE
			   SET status = EXCLUDED.status, accepted_at = EXCLUDED.accepted_at`,
			a, b, f.Status, f.InitiatedBy, f.AcceptedAt)
		if err != nil {
			return fmt.Errorf("upsert friendship %s/%s: %w", a, b, err)
		}
		return nil
	})
}

func (s *PostgresStore) Friendship(ctx context.Context, a, b string) (*Friendship, bool, error) {
	ca, cb := CanonicalPair(a, b)
	var (
		f     Friendship
		found bool
	)
	err := s.store.ReadOnly(ctx, func(tx *sql.Tx) error {
		var accepted sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT user_id_a, user_id_b, status, initiated_by, accepted_at, created_at
			 FROM friendships WHERE user_id_a = $1 AND user_id_b = $2`,
			ca, cb).Scan(&f.UserA, &f.UserB, &f.Status, &f.InitiatedBy, &accepted, &f.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("friendship %s/%s: %w", ca, cb, err)
		}
		if accepted.Valid {
			t := accepted.Time
			f.AcceptedAt = &t
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &f, true, nil
}

func orOne(v int) int {
	if v <= 0 {
		return 1
	}
	return v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
