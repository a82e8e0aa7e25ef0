package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/templatetrust/pkg/models"
)

// PostgresAuditMirror copies audit entries into PostgreSQL so a team can
// query history across machines. The file store stays authoritative.
type PostgresAuditMirror struct {
	pool *pgxpool.Pool
}

// NewPostgresAuditMirror opens a pgxpool connection and returns a ready mirror.
func NewPostgresAuditMirror(ctx context.Context, connStr string) (*PostgresAuditMirror, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresAuditMirror{pool: pool}, nil
}

func (p *PostgresAuditMirror) Close() {
	p.pool.Close()
}

// Publish inserts entry. Re-publishing the same id is a no-op.
func (p *PostgresAuditMirror) Publish(ctx context.Context, e models.AuditEntry) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO trust_audit (id, seq, recorded_at, creator_id, action, resolution, granted_by, context)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, int64(e.Seq), e.Timestamp, e.CreatorID, string(e.Action),
		string(e.Resolution), string(e.GrantedBy), e.Context,
	)
	if err != nil {
		return fmt.Errorf("mirroring audit entry %s: %w", e.ID, err)
	}
	return nil
}

// Query returns mirrored entries in ascending time order.
func (p *PostgresAuditMirror) Query(ctx context.Context, filter AuditFilter) ([]models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id::text, seq, recorded_at, creator_id, action, resolution, granted_by, context FROM trust_audit WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.CreatorID != "" {
		fmt.Fprintf(&query, ` AND creator_id = $%d`, n)
		args = append(args, filter.CreatorID)
		n++
	}
	if filter.Action != "" {
		fmt.Fprintf(&query, ` AND action = $%d`, n)
		args = append(args, string(filter.Action))
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND recorded_at >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	sql := query.String() + ` ORDER BY recorded_at ASC, seq ASC`
	if filter.Limit > 0 {
		// Keep the newest N, still returned oldest first.
		sql = fmt.Sprintf(`SELECT * FROM (%s ORDER BY recorded_at DESC, seq DESC LIMIT $%d) newest ORDER BY recorded_at ASC, seq ASC`,
			query.String(), n)
		args = append(args, filter.Limit)
	}

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditEntry, error) {
		var (
			e                             models.AuditEntry
			seq                           int64
			action, resolution, grantedBy string
		)
		if err := row.Scan(&e.ID, &seq, &e.Timestamp, &e.CreatorID, &action, &resolution, &grantedBy, &e.Context); err != nil {
			return e, err
		}
		e.Seq = uint64(seq)
		e.Action = models.Action(action)
		e.Resolution = models.Resolution(resolution)
		e.GrantedBy = models.GrantedBy(grantedBy)
		e.Timestamp = e.Timestamp.UTC()
		return e, nil
	})
}
