package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/provgraph/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultChunkSize = 500
	defaultWorkers   = 4
)

// pgxConn is the slice of *pgxpool.Pool the store needs.
type pgxConn interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists provenance graphs with batched idempotent inserts.
// Writes are split in chunks that are sent concurrently.
type PostgresStore struct {
	conn      pgxConn
	chunkSize int
	workers   int
	logger    *zap.Logger
}

var (
	_ GraphSink = (*PostgresStore)(nil)
	_ NodeStore = (*PostgresStore)(nil)
)

// NewPostgresStore wraps a pgx pool (or anything sharing its batch API).
func NewPostgresStore(conn pgxConn, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{conn: conn, chunkSize: defaultChunkSize, workers: defaultWorkers, logger: logger}
}

const (
	insertActivitySQL = `INSERT INTO activities (id, function_name, context, code, code_line, used_features,
    generated_features, deleted_used_features, generated_records, deleted_records, runtime_exceptions, tracker_id)
VALUES ($1, $2, $3, $4, $5, COALESCE($6::text[], '{}'), COALESCE($7::text[], '{}'), COALESCE($8::text[], '{}'),
    COALESCE($9::bigint[], '{}'), COALESCE($10::bigint[], '{}'), $11, NULLIF($12, ''))
ON CONFLICT (id) DO NOTHING`
	insertEntitySQL = `INSERT INTO entities (id, value_key, value_type, column_name, row_index, instance)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
ON CONFLICT (id) DO NOTHING`
	insertColumnSQL = `INSERT INTO columns (id, value_vector, index_vector, name, owner)
VALUES ($1, $2, $3, $4, NULLIF($5, ''))
ON CONFLICT (id) DO NOTHING`
	insertDerivationSQL = `INSERT INTO derivations (gen_id, used_id, node_kind)
VALUES ($1, $2, $3)
ON CONFLICT (gen_id, used_id) DO NOTHING`
	insertActivityEdgeSQL = `INSERT INTO activity_edges (activity_id, node_id, node_kind, edge_type)
VALUES ($1, $2, $3, $4)
ON CONFLICT (activity_id, node_id, edge_type) DO NOTHING`
	insertMembershipSQL = `INSERT INTO memberships (entity_id, column_id)
VALUES ($1, $2)
ON CONFLICT (entity_id, column_id) DO NOTHING`
	insertSequenceSQL = `INSERT INTO activity_sequence (act_in_id, act_out_id)
VALUES ($1, $2)
ON CONFLICT (act_in_id, act_out_id) DO NOTHING`
)

func (s *PostgresStore) AddActivities(ctx context.Context, activities []domain.Activity) error {
	return writeChunks(ctx, s, "activities", activities, func(b *pgx.Batch, a domain.Activity) {
		b.Queue(insertActivitySQL, a.ID, a.FunctionName, a.Context, a.Code, a.CodeLine,
			a.UsedFeatures, a.GeneratedFeatures, a.DeletedUsedFeatures, a.GeneratedRecords, a.DeletedRecords,
			a.RuntimeExceptions, a.TrackerID)
	})
}

func (s *PostgresStore) AddEntities(ctx context.Context, entities []domain.Entity) error {
	return writeChunks(ctx, s, "entities", entities, func(b *pgx.Batch, e domain.Entity) {
		b.Queue(insertEntitySQL, e.ID, domain.ValueKey(e.Value), e.ValueType, e.Column, e.Row, e.Instance)
	})
}

func (s *PostgresStore) AddColumns(ctx context.Context, columns []domain.Column) error {
	return writeChunks(ctx, s, "columns", columns, func(b *pgx.Batch, c domain.Column) {
		b.Queue(insertColumnSQL, c.ID, c.Values, c.Index, c.Name, c.Owner)
	})
}

func (s *PostgresStore) AddDerivations(ctx context.Context, kind domain.NodeKind, derivations []domain.Derivation) error {
	return writeChunks(ctx, s, "derivations", derivations, func(b *pgx.Batch, d domain.Derivation) {
		b.Queue(insertDerivationSQL, d.Gen, d.Used, string(kind))
	})
}

func (s *PostgresStore) AddRelations(ctx context.Context, kind domain.NodeKind, relations []domain.Relation) error {
	return writeChunks(ctx, s, "activity edges", ActivityEdges(kind, relations), func(b *pgx.Batch, e ActivityEdge) {
		b.Queue(insertActivityEdgeSQL, e.ActivityID, e.NodeID, string(e.Kind), string(e.Type))
	})
}

func (s *PostgresStore) AddMemberships(ctx context.Context, memberships []domain.Membership) error {
	return writeChunks(ctx, s, "memberships", memberships, func(b *pgx.Batch, m domain.Membership) {
		b.Queue(insertMembershipSQL, m.EntityID, m.ColumnID)
	})
}

func (s *PostgresStore) AddNext(ctx context.Context, next []domain.Sequence) error {
	return writeChunks(ctx, s, "sequence", next, func(b *pgx.Batch, seq domain.Sequence) {
		b.Queue(insertSequenceSQL, seq.In, seq.Out)
	})
}

// writeChunks queues items into batches of chunkSize and sends them with at
// most workers batches in flight.
func writeChunks[T any](ctx context.Context, s *PostgresStore, what string, items []T, queue func(*pgx.Batch, T)) error {
	if len(items) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for start := 0; start < len(items); start += s.chunkSize {
		end := min(start+s.chunkSize, len(items))
		chunk := items[start:end]
		g.Go(func() error {
			batch := &pgx.Batch{}
			for _, item := range chunk {
				queue(batch, item)
			}
			if err := s.conn.SendBatch(gctx, batch).Close(); err != nil {
				return fmt.Errorf("failed to insert %s: %w", what, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Debug("rows written", zap.String("table", what), zap.Int("rows", len(items)))
	return nil
}

const (
	selectActivitiesSQL = `SELECT id, function_name, context, code, code_line, used_features, generated_features,
    deleted_used_features, generated_records, deleted_records, runtime_exceptions, COALESCE(tracker_id, '')
FROM activities WHERE id = ANY($1)`
	selectEntitiesSQL = `SELECT id, value_key, value_type, column_name, row_index, COALESCE(instance, '')
FROM entities WHERE id = ANY($1)`
	selectColumnsSQL = `SELECT id, value_vector, index_vector, name, COALESCE(owner, '')
FROM columns WHERE id = ANY($1)`
	selectPredecessorsSQL  = `SELECT gen_id, used_id FROM derivations WHERE gen_id = ANY($1) ORDER BY gen_id, used_id`
	selectActivityEdgesSQL = `SELECT activity_id, node_id, node_kind, edge_type FROM activity_edges
WHERE node_id = ANY($1) OR activity_id = ANY($1)
ORDER BY activity_id, node_id, edge_type`
)

// GetNodes loads nodes by id, one query per node kind present in ids.
func (s *PostgresStore) GetNodes(ctx context.Context, ids []string) ([]Node, error) {
	byKind := make(map[domain.NodeKind][]string)
	for _, id := range ids {
		kind, err := domain.KindOfID(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
		}
		byKind[kind] = append(byKind[kind], id)
	}

	found := make(map[string]Node, len(ids))
	if err := s.loadActivities(ctx, byKind[domain.NodeActivity], found); err != nil {
		return nil, err
	}
	if err := s.loadEntities(ctx, byKind[domain.NodeEntity], found); err != nil {
		return nil, err
	}
	if err := s.loadColumns(ctx, byKind[domain.NodeColumn], found); err != nil {
		return nil, err
	}

	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		n, ok := found[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *PostgresStore) loadActivities(ctx context.Context, ids []string, into map[string]Node) error {
	if len(ids) == 0 {
		return nil
	}
	rows, err := s.conn.Query(ctx, selectActivitiesSQL, ids)
	if err != nil {
		return fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.FunctionName, &a.Context, &a.Code, &a.CodeLine,
			&a.UsedFeatures, &a.GeneratedFeatures, &a.DeletedUsedFeatures, &a.GeneratedRecords, &a.DeletedRecords,
			&a.RuntimeExceptions, &a.TrackerID); err != nil {
			return fmt.Errorf("failed to scan activity: %w", err)
		}
		into[a.ID] = Node{ID: a.ID, Kind: domain.NodeActivity, Activity: &a}
	}
	return rows.Err()
}

func (s *PostgresStore) loadEntities(ctx context.Context, ids []string, into map[string]Node) error {
	if len(ids) == 0 {
		return nil
	}
	rows, err := s.conn.Query(ctx, selectEntitiesSQL, ids)
	if err != nil {
		return fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e        domain.Entity
			valueKey string
		)
		if err := rows.Scan(&e.ID, &valueKey, &e.ValueType, &e.Column, &e.Row, &e.Instance); err != nil {
			return fmt.Errorf("failed to scan entity: %w", err)
		}
		e.Value = valueKey
		into[e.ID] = Node{ID: e.ID, Kind: domain.NodeEntity, Entity: &e}
	}
	return rows.Err()
}

func (s *PostgresStore) loadColumns(ctx context.Context, ids []string, into map[string]Node) error {
	if len(ids) == 0 {
		return nil
	}
	rows, err := s.conn.Query(ctx, selectColumnsSQL, ids)
	if err != nil {
		return fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c domain.Column
		if err := rows.Scan(&c.ID, &c.Values, &c.Index, &c.Name, &c.Owner); err != nil {
			return fmt.Errorf("failed to scan column: %w", err)
		}
		into[c.ID] = Node{ID: c.ID, Kind: domain.NodeColumn, Column: &c}
	}
	return rows.Err()
}

func (s *PostgresStore) GetPredecessors(ctx context.Context, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.conn.Query(ctx, selectPredecessorsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query derivations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var gen, used string
		if err := rows.Scan(&gen, &used); err != nil {
			return nil, fmt.Errorf("failed to scan derivation: %w", err)
		}
		out[gen] = append(out[gen], used)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetActivityEdges(ctx context.Context, ids []string) (map[string][]ActivityEdge, error) {
	out := make(map[string][]ActivityEdge, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	rows, err := s.conn.Query(ctx, selectActivityEdgesSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e         ActivityEdge
			kind, typ string
		)
		if err := rows.Scan(&e.ActivityID, &e.NodeID, &kind, &typ); err != nil {
			return nil, fmt.Errorf("failed to scan activity edge: %w", err)
		}
		e.Kind, e.Type = domain.NodeKind(kind), domain.EdgeType(typ)
		if _, ok := wanted[e.NodeID]; ok {
			out[e.NodeID] = append(out[e.NodeID], e)
		}
		if _, ok := wanted[e.ActivityID]; ok {
			out[e.ActivityID] = append(out[e.ActivityID], e)
		}
	}
	return out, rows.Err()
}
