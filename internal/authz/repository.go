package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell-social/inkwell/internal/platform/db"
)

const uniqueViolationCode = "23505"

// PostgresRepository persists the authorization tables.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs a repository over the shared pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// LoadSnapshot reads the full authorization state for in-memory hydration.
func (r *PostgresRepository) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	rows, err := r.pool.Query(ctx, `SELECT id, name, description, created_at FROM permissions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("authz: load permissions: %w", err)
	}
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("authz: scan permission: %w", err)
		}
		snap.Permissions = append(snap.Permissions, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("authz: load permissions: %w", err)
	}

	rows, err = r.pool.Query(ctx, `SELECT permission_id, dependent_permission_id FROM permission_dependencies`)
	if err != nil {
		return nil, fmt.Errorf("authz: load dependencies: %w", err)
	}
	for rows.Next() {
		var e DependencyEdge
		if err := rows.Scan(&e.From, &e.To); err != nil {
			rows.Close()
			return nil, fmt.Errorf("authz: scan dependency: %w", err)
		}
		snap.Edges = append(snap.Edges, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("authz: load dependencies: %w", err)
	}

	rows, err = r.pool.Query(ctx, `SELECT role_id, permission_id FROM role_permissions`)
	if err != nil {
		return nil, fmt.Errorf("authz: load role grants: %w", err)
	}
	for rows.Next() {
		var g RoleGrant
		if err := rows.Scan(&g.RoleID, &g.PermissionID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("authz: scan role grant: %w", err)
		}
		snap.RoleGrants = append(snap.RoleGrants, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("authz: load role grants: %w", err)
	}

	rows, err = r.pool.Query(ctx, `SELECT user_id, permission_id FROM user_permissions`)
	if err != nil {
		return nil, fmt.Errorf("authz: load user grants: %w", err)
	}
	for rows.Next() {
		var g UserGrant
		if err := rows.Scan(&g.UserID, &g.PermissionID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("authz: scan user grant: %w", err)
		}
		snap.UserGrants = append(snap.UserGrants, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("authz: load user grants: %w", err)
	}

	return snap, nil
}

// InsertPermission stores a new permission. A concurrent insert of the same
// name from another instance surfaces as ErrPermissionExists.
func (r *PostgresRepository) InsertPermission(ctx context.Context, perm Permission) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO permissions (id, name, description, created_at) VALUES ($1, $2, $3, $4)`,
		perm.ID, perm.Name, perm.Description, perm.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return fmt.Errorf("%w: %q", ErrPermissionExists, perm.Name)
		}
		return err
	}
	return nil
}

// DeletePermission removes the permission and every grant and dependency edge
// referencing it in one transaction, mirroring the in-memory cascade.
func (r *PostgresRepository) DeletePermission(ctx context.Context, id uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM permission_dependencies WHERE permission_id = $1 OR dependent_permission_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE permission_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM user_permissions WHERE permission_id = $1`, id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
		return err
	})
}

// InsertEdge stores a dependency edge. The engine already rejected
// duplicates against its authoritative state, so a conflicting row written by
// a peer is treated as already-present.
func (r *PostgresRepository) InsertEdge(ctx context.Context, from, to uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO permission_dependencies (permission_id, dependent_permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		from, to,
	)
	return err
}

// DeleteEdge removes a dependency edge.
func (r *PostgresRepository) DeleteEdge(ctx context.Context, from, to uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM permission_dependencies WHERE permission_id = $1 AND dependent_permission_id = $2`,
		from, to,
	)
	return err
}

// InsertRoleGrant stores a (role, permission) pair, idempotently.
func (r *PostgresRepository) InsertRoleGrant(ctx context.Context, roleID, permissionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		roleID, permissionID,
	)
	return err
}

// DeleteRoleGrant removes a (role, permission) pair.
func (r *PostgresRepository) DeleteRoleGrant(ctx context.Context, roleID, permissionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`,
		roleID, permissionID,
	)
	return err
}

// InsertUserGrant stores a (user, permission) pair, idempotently.
func (r *PostgresRepository) InsertUserGrant(ctx context.Context, userID, permissionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_permissions (user_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, permissionID,
	)
	return err
}

// DeleteUserGrant removes a (user, permission) pair.
func (r *PostgresRepository) DeleteUserGrant(ctx context.Context, userID, permissionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = $2`,
		userID, permissionID,
	)
	return err
}
