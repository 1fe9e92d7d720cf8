package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"catalog/api/internal/catalog"
)

// ChangeChannel is the NOTIFY channel the catalog triggers publish on.
const ChangeChannel = "catalog_changes"

// Postgres keeps documents, categories and tags as JSONB rows. Live feeds
// hold one LISTEN connection each and re-query on every notification.
type Postgres struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewPostgres(pool *pgxpool.Pool, log *zap.Logger) *Postgres {
	return &Postgres{pool: pool, log: log}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// orderColumn maps an ordering to the column a composite index must cover.
func orderColumn(field SortField) string {
	switch field {
	case OrderTitle:
		return "sort_title"
	case OrderUpdatedAt:
		return "updated_at"
	default:
		return ""
	}
}

// supports checks pg_indexes for a (category_norm, <order column>) index.
func (p *Postgres) supports(ctx context.Context, c Constraints) (bool, error) {
	column := orderColumn(c.OrderBy)
	if column == "" {
		return false, nil
	}
	var ok bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_indexes
			WHERE schemaname = current_schema()
			  AND tablename = 'documents'
			  AND indexdef LIKE '%(category_norm, ' || $1 || '%'
		)`, column).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check composite index: %w", err)
	}
	return ok, nil
}

func (p *Postgres) Subscribe(ctx context.Context, c Constraints, onSnapshot func(catalog.Data), onError func(error)) (Unsubscribe, error) {
	if c.Compound() {
		ok, err := p.supports(ctx, c)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s needs a composite index", ErrConstraintUnsupported, c)
		}
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}

	feedCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		// The listener may be mid-read when cancelled, so it never returns to the pool.
		defer func() {
			raw := conn.Hijack()
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			_ = raw.Close(closeCtx)
		}()
		p.listen(feedCtx, conn, c, onSnapshot, onError)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (p *Postgres) listen(ctx context.Context, conn *pgxpool.Conn, c Constraints, onSnapshot func(catalog.Data), onError func(error)) {
	for {
		data, err := p.load(ctx, c)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			onError(err)
			return
		}
		onSnapshot(data)

		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if ctx.Err() == nil {
				onError(fmt.Errorf("wait for notification: %w", err))
			}
			return
		}
	}
}

func (p *Postgres) load(ctx context.Context, c Constraints) (catalog.Data, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return catalog.Data{}, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT id, data, created_at, updated_at FROM documents`
	args := []any{}
	if keys := c.normalizedKeys(); len(keys) > 0 {
		query += ` WHERE category_norm = ANY($1)`
		args = append(args, keys)
	}
	switch c.OrderBy {
	case OrderTitle:
		query += ` ORDER BY sort_title ASC, id ASC`
	case OrderUpdatedAt:
		query += ` ORDER BY updated_at DESC, id ASC`
	default:
		query += ` ORDER BY created_at ASC, id ASC`
	}
	if c.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, c.Limit)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return catalog.Data{}, fmt.Errorf("query documents: %w", err)
	}
	var data catalog.Data
	for rows.Next() {
		var (
			id                   string
			raw                  []byte
			createdAt, updatedAt time.Time
		)
		if err := rows.Scan(&id, &raw, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return catalog.Data{}, fmt.Errorf("scan document: %w", err)
		}
		doc, err := decodeDocument(id, raw, createdAt, updatedAt)
		if err != nil {
			p.log.Warn("skipping undecodable document", zap.String("id", id), zap.Error(err))
			continue
		}
		data.Documents = append(data.Documents, doc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return catalog.Data{}, fmt.Errorf("iterate documents: %w", err)
	}

	data.Categories, err = loadRecords(ctx, tx, "categories", func(id string, c *catalog.Category) { c.ID = id })
	if err != nil {
		return catalog.Data{}, err
	}
	data.Tags, err = loadRecords(ctx, tx, "tags", func(id string, t *catalog.Tag) { t.ID = id })
	if err != nil {
		return catalog.Data{}, err
	}
	return data, nil
}

func loadRecords[T any](ctx context.Context, tx pgx.Tx, table string, setID func(string, *T)) ([]T, error) {
	rows, err := tx.Query(ctx, `SELECT id, data FROM `+table+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		var record T
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", table, id, err)
		}
		setID(id, &record)
		out = append(out, record)
	}
	return out, rows.Err()
}

func decodeDocument(id string, raw []byte, createdAt, updatedAt time.Time) (catalog.Document, error) {
	var doc catalog.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return catalog.Document{}, err
	}
	doc.ID = id
	doc.CreatedAt = createdAt
	doc.UpdatedAt = updatedAt
	return doc, nil
}

func (p *Postgres) GetDocument(ctx context.Context, id string) (catalog.Document, error) {
	var (
		raw                  []byte
		createdAt, updatedAt time.Time
	)
	err := p.pool.QueryRow(ctx, `SELECT data, created_at, updated_at FROM documents WHERE id=$1`, id).
		Scan(&raw, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Document{}, ErrNotFound
	}
	if err != nil {
		return catalog.Document{}, fmt.Errorf("get document: %w", err)
	}
	doc, err := decodeDocument(id, raw, createdAt, updatedAt)
	if err != nil {
		return catalog.Document{}, fmt.Errorf("decode document %s: %w", id, err)
	}
	return doc, nil
}

func encodeFields(fields map[string]any) (string, error) {
	raw, err := json.Marshal(stripReserved(fields))
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(raw), nil
}

func (p *Postgres) CreateOrReplace(ctx context.Context, id string, fields map[string]any) error {
	data, err := encodeFields(fields)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO documents (id, data) VALUES ($1, $2::jsonb)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`, id, data)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (p *Postgres) Insert(ctx context.Context, id string, fields map[string]any) error {
	data, err := encodeFields(fields)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO documents (id, data) VALUES ($1, $2::jsonb)
		ON CONFLICT (id) DO NOTHING
	`, id, data)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (p *Postgres) UpdatePartial(ctx context.Context, id string, fields map[string]any) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT data FROM documents WHERE id=$1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock document: %w", err)
	}

	current := map[string]any{}
	if err := json.Unmarshal(raw, &current); err != nil {
		return fmt.Errorf("decode document %s: %w", id, err)
	}
	patch := stripReserved(fields)
	for _, path := range sortedKeys(patch) {
		setPath(current, path, patch[path])
	}
	data, err := encodeFields(current)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE documents SET data=$2::jsonb, updated_at=NOW() WHERE id=$1`, id, data); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	return p.deleteRow(ctx, "documents", id)
}

func (p *Postgres) deleteRow(ctx context.Context, table, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM `+table+` WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) putRecord(ctx context.Context, table, id string, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s: %w", table, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO `+table+` (id, data) VALUES ($1, $2::jsonb)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`, id, string(raw))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func (p *Postgres) PutCategory(ctx context.Context, category catalog.Category) error {
	return p.putRecord(ctx, "categories", category.ID, category)
}

func (p *Postgres) DeleteCategory(ctx context.Context, id string) error {
	return p.deleteRow(ctx, "categories", id)
}

func (p *Postgres) PutTag(ctx context.Context, tag catalog.Tag) error {
	return p.putRecord(ctx, "tags", tag.ID, tag)
}

func (p *Postgres) DeleteTag(ctx context.Context, id string) error {
	return p.deleteRow(ctx, "tags", id)
}
