package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"DataReader/pkg/meta/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const segmentColumns = `id, tenant_id, key, unified_id, timestamp, segment_num, file_size,
	file_strong, file_weak, conjoined_unified_id, conjoined_part, handoff_node_id`

// PGIndex is a Resolver backed by the node-local PostgreSQL segment index.
type PGIndex struct {
	db *sql.DB
}

func OpenPGIndex(dsn string) (*PGIndex, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("meta: open postgres: %w", err)
	}
	return NewPGIndex(db), nil
}

func NewPGIndex(db *sql.DB) *PGIndex { return &PGIndex{db: db} }

func (p *PGIndex) Close() error { return p.db.Close() }

// gooseUp is swapped in tests.
var gooseUp = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

func (p *PGIndex) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUp(ctx, p.db, ".")
}

func (p *PGIndex) Resolve(ctx context.Context, tenant int64, key string, version *int64) (ReadPlan, error) {
	conj, err := p.latestConjoined(ctx, tenant, key)
	if err != nil {
		return nil, err
	}

	if conj == nil {
		var row *sql.Row
		if version != nil {
			row = p.db.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM segment
				WHERE tenant_id = $1 AND key = $2 AND unified_id = $3 AND handoff_node_id IS NULL
				LIMIT 1`, tenant, key, *version)
		} else {
			row = p.db.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM segment
				WHERE tenant_id = $1 AND key = $2 AND handoff_node_id IS NULL
				ORDER BY timestamp DESC LIMIT 1`, tenant, key)
		}
		seg, err := scanSegment(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("meta: segment lookup: %w", err)
		}
		return Standalone{Segment: seg}, nil
	}

	rows, err := p.db.QueryContext(ctx, `SELECT `+segmentColumns+` FROM segment
		WHERE conjoined_unified_id = $1 AND handoff_node_id IS NULL
		ORDER BY conjoined_part`, conj.UnifiedID)
	if err != nil {
		return nil, fmt.Errorf("meta: conjoined segments: %w", err)
	}
	defer rows.Close()

	var parts []SegmentRecord
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("meta: conjoined segments: %w", err)
		}
		parts = append(parts, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("meta: conjoined segments: %w", err)
	}
	if len(parts) == 0 {
		return nil, ErrNotFound
	}
	return Conjoined{Record: *conj, Parts: parts}, nil
}

func (p *PGIndex) latestConjoined(ctx context.Context, tenant int64, key string) (*ConjoinedRecord, error) {
	var (
		c                  ConjoinedRecord
		complete, deleteTS sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `SELECT unified_id, tenant_id, key, create_timestamp,
		complete_timestamp, delete_timestamp FROM conjoined
		WHERE tenant_id = $1 AND key = $2
		ORDER BY create_timestamp DESC LIMIT 1`, tenant, key).
		Scan(&c.UnifiedID, &c.TenantID, &c.Key, &c.CreateTimestamp, &complete, &deleteTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("meta: conjoined lookup: %w", err)
	}
	if complete.Valid {
		c.CompleteTimestamp = &complete.Time
	}
	if deleteTS.Valid {
		c.DeleteTimestamp = &deleteTS.Time
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSegment(s scanner) (SegmentRecord, error) {
	var (
		r                  SegmentRecord
		strong             []byte
		weak               int64
		conjoined, handoff sql.NullInt64
	)
	err := s.Scan(&r.ID, &r.TenantID, &r.Key, &r.UnifiedID, &r.Timestamp, &r.SegmentNumber,
		&r.FileSize, &strong, &weak, &conjoined, &r.ConjoinedPart, &handoff)
	if err != nil {
		return SegmentRecord{}, err
	}
	copy(r.FileChecksum.Strong[:], strong)
	r.FileChecksum.Weak = uint64(weak)
	if conjoined.Valid {
		r.ConjoinedUnifiedID = &conjoined.Int64
	}
	if handoff.Valid {
		r.HandoffNodeID = &handoff.Int64
	}
	return r, nil
}
