package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id) VALUES (?,?)`, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// ActorRoleMap lists every actor with its roles.
func (r Repo) ActorRoleMap(ctx context.Context) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT a.id, COALESCE(ar.role_id,'') FROM actors a LEFT JOIN actor_roles ar ON ar.actor_id=a.id ORDER BY a.id, ar.role_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]string{}
	for rows.Next() {
		var actor, role string
		if err := rows.Scan(&actor, &role); err != nil {
			return nil, err
		}
		if _, ok := res[actor]; !ok {
			res[actor] = []string{}
		}
		if role != "" {
			res[actor] = append(res[actor], role)
		}
	}
	return res, rows.Err()
}
