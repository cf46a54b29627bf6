package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/featstore/internal/errors"
	"github.com/xtxerr/featstore/internal/types"
)

// DuckDB is a DurableStore backed by an embedded DuckDB database.
// Values are stored in typed columns selected by dtype; the primary key
// (feature_id, entity_id, ts_ms) gives idempotent upserts for free.
type DuckDB struct {
	db *sql.DB
}

var _ DurableStore = (*DuckDB)(nil)

const duckSchema = `
CREATE TABLE IF NOT EXISTS feature_values (
	feature_id BIGINT NOT NULL,
	entity_id  VARCHAR NOT NULL,
	ts_ms      BIGINT NOT NULL,
	dtype      INTEGER NOT NULL,
	int_val    BIGINT,
	float_val  DOUBLE,
	str_val    VARCHAR,
	bool_val   BOOLEAN,
	bytes_val  BLOB,
	metadata   VARCHAR,
	PRIMARY KEY (feature_id, entity_id, ts_ms)
)`

const duckColumns = `feature_id, entity_id, ts_ms, dtype, int_val, float_val, str_val, bool_val, bytes_val, metadata`

// NewDuckDB opens (or creates) a DuckDB-backed store at path.
// An empty path opens an in-memory database.
func NewDuckDB(path string) (*DuckDB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if _, err := db.Exec(duckSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DuckDB{db: db}, nil
}

// Put upserts a batch of values inside a single transaction.
func (d *DuckDB) Put(ctx context.Context, values []types.FeatureValue) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrStoreUnavailable, err.Error())
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO feature_values (`+duckColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, v := range values {
		meta, err := encodeMetadata(v.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}

		_, err = stmt.ExecContext(ctx,
			v.FeatureID, v.EntityID, v.TimestampMs, int(v.Value.Type),
			nullInt(v.Value), nullFloat(v.Value), nullStr(v.Value),
			nullBool(v.Value), nullBytes(v.Value), meta,
		)
		if err != nil {
			return fmt.Errorf("upsert row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrStoreUnavailable, err.Error())
	}
	return nil
}

// GetLatestAsOf returns the newest value of the series not after tsMs.
func (d *DuckDB) GetLatestAsOf(ctx context.Context, featureID int64, entityID string, tsMs int64) (*types.FeatureValue, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+duckColumns+`
		FROM feature_values
		WHERE feature_id = ? AND entity_id = ? AND ts_ms <= ?
		ORDER BY ts_ms DESC
		LIMIT 1`,
		featureID, entityID, tsMs)

	v, err := scanValue(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrValueNotFound
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, err.Error())
	}
	return v, nil
}

// RangeAsOf answers the point-in-time lookup for many entities with a
// single windowed query.
func (d *DuckDB) RangeAsOf(ctx context.Context, featureID int64, entityIDs []string, tsMs int64) (map[string]*types.FeatureValue, error) {
	if len(entityIDs) == 0 {
		return map[string]*types.FeatureValue{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(entityIDs)), ",")
	args := make([]interface{}, 0, len(entityIDs)+2)
	args = append(args, featureID)
	for _, id := range entityIDs {
		args = append(args, id)
	}
	args = append(args, tsMs)

	rows, err := d.db.QueryContext(ctx, `
		SELECT `+duckColumns+`
		FROM feature_values
		WHERE feature_id = ? AND entity_id IN (`+placeholders+`) AND ts_ms <= ?
		QUALIFY row_number() OVER (PARTITION BY entity_id ORDER BY ts_ms DESC) = 1`,
		args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, err.Error())
	}
	defer rows.Close()

	out := make(map[string]*types.FeatureValue, len(entityIDs))
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out[v.EntityID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, err.Error())
	}
	return out, nil
}

// History returns the values of a series within [fromMs, toMs].
func (d *DuckDB) History(ctx context.Context, featureID int64, entityID string, fromMs, toMs int64) ([]types.FeatureValue, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+duckColumns+`
		FROM feature_values
		WHERE feature_id = ? AND entity_id = ? AND ts_ms >= ? AND ts_ms <= ?
		ORDER BY ts_ms ASC`,
		featureID, entityID, fromMs, toMs)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, err.Error())
	}
	defer rows.Close()

	var out []types.FeatureValue
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// Count returns the total number of stored rows.
func (d *DuckDB) Count(ctx context.Context) (int64, error) {
	var n int64
	err := d.db.QueryRowContext(ctx, `SELECT count(*) FROM feature_values`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStoreUnavailable, err.Error())
	}
	return n, nil
}

// Close closes the underlying database.
func (d *DuckDB) Close() error {
	return d.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanValue(s scanner) (*types.FeatureValue, error) {
	var (
		v        types.FeatureValue
		dtype    int
		intVal   sql.NullInt64
		floatVal sql.NullFloat64
		strVal   sql.NullString
		boolVal  sql.NullBool
		bytesVal []byte
		meta     sql.NullString
	)

	err := s.Scan(&v.FeatureID, &v.EntityID, &v.TimestampMs, &dtype,
		&intVal, &floatVal, &strVal, &boolVal, &bytesVal, &meta)
	if err != nil {
		return nil, err
	}

	switch types.ValueType(dtype) {
	case types.ValueTypeInt64:
		v.Value = types.IntValue(intVal.Int64)
	case types.ValueTypeFloat64:
		v.Value = types.FloatValue(floatVal.Float64)
	case types.ValueTypeString:
		v.Value = types.StringValue(strVal.String)
	case types.ValueTypeBool:
		v.Value = types.BoolValue(boolVal.Bool)
	case types.ValueTypeBytes:
		v.Value = types.BytesValue(bytesVal)
	default:
		return nil, fmt.Errorf("stored row has unknown dtype %d", dtype)
	}

	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &v.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}

	return &v, nil
}

func encodeMetadata(m map[string]string) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullInt(v types.Value) interface{} {
	if v.Type == types.ValueTypeInt64 {
		return v.Int
	}
	return nil
}

func nullFloat(v types.Value) interface{} {
	if v.Type == types.ValueTypeFloat64 {
		return v.Float
	}
	return nil
}

func nullStr(v types.Value) interface{} {
	if v.Type == types.ValueTypeString {
		return v.Str
	}
	return nil
}

func nullBool(v types.Value) interface{} {
	if v.Type == types.ValueTypeBool {
		return v.Bool
	}
	return nil
}

func nullBytes(v types.Value) interface{} {
	if v.Type == types.ValueTypeBytes {
		return v.Bytes
	}
	return nil
}
