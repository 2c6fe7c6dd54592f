package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/pulselabs/pulse/auth"
	"github.com/pulselabs/pulse/db"
)

// Pagination bounds.
const (
	DefaultLimit = 20
	MaxLimit     = 1000
)

// Model is implemented by every persistent entity via its embedded
// Base plus the deterministic embedding source.
type Model interface {
	Meta() *db.Base
	SearchText() string
	TableName() string
}

// ListParams drives a paginated, filtered, ordered read.
type ListParams struct {
	Limit          int
	Offset         int
	OrderBy        string
	Order          string
	Search         string
	Filters        map[string]any
	IncludeDeleted bool
}

// FirstParams drives a single-row lookup by predicate.
type FirstParams struct {
	OrderBy        string
	Order          string
	Filters        map[string]any
	IncludeDeleted bool
}

// ListResult carries one page plus the pre-pagination total.
type ListResult[T any] struct {
	Data  []T
	Total int64
}

// Repository is the generic gateway over one entity. All reads exclude
// soft-deleted rows unless the caller opts in.
type Repository[T any, PT interface {
	*T
	Model
}] struct {
	gdb    *gorm.DB
	schema Schema
}

// New builds a repository for one entity and its schema.
func New[T any, PT interface {
	*T
	Model
}](gdb *gorm.DB, schema Schema) *Repository[T, PT] {
	return &Repository[T, PT]{gdb: gdb, schema: schema}
}

func (r *Repository[T, PT]) base(ctx context.Context, includeDeleted bool) *gorm.DB {
	q := r.gdb.WithContext(ctx).Table(r.schema.Table)
	if !includeDeleted {
		q = q.Where("deleted_at IS NULL")
	}
	return q
}

func (r *Repository[T, PT]) applyPredicate(q *gorm.DB, filters map[string]any, search string) (*gorm.DB, error) {
	conds, err := CompileFilters(r.schema, filters)
	if err != nil {
		return nil, err
	}
	for _, c := range conds {
		q = q.Where(c.Expr, c.Args...)
	}
	if sc := SearchCondition(r.schema, search); sc.Expr != "" {
		q = q.Where(sc.Expr, sc.Args...)
	}
	return q, nil
}

func (r *Repository[T, PT]) orderClause(orderBy, order string) (string, error) {
	if orderBy == "" {
		orderBy = "id"
	}
	if !r.schema.HasColumn(orderBy) {
		return "", fmt.Errorf("unknown order_by column %q", orderBy)
	}
	switch order {
	case "", "asc":
		order = "asc"
	case "desc":
	default:
		return "", fmt.Errorf("invalid order %q: want asc or desc", order)
	}
	clause := orderBy + " " + order
	if orderBy != "id" {
		// Stable tie-break so pagination never reshuffles equal keys.
		clause += ", id asc"
	}
	return clause, nil
}

// List returns one page of rows plus the total count matching the same
// predicate.
func (r *Repository[T, PT]) List(ctx context.Context, p ListParams) (*ListResult[T], error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}

	order, err := r.orderClause(p.OrderBy, p.Order)
	if err != nil {
		return nil, err
	}

	counting, err := r.applyPredicate(r.base(ctx, p.IncludeDeleted), p.Filters, p.Search)
	if err != nil {
		return nil, err
	}
	var total int64
	if err := counting.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count %s: %w", r.schema.Table, err)
	}

	q, err := r.applyPredicate(r.base(ctx, p.IncludeDeleted), p.Filters, p.Search)
	if err != nil {
		return nil, err
	}
	var rows []T
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list %s: %w", r.schema.Table, err)
	}
	return &ListResult[T]{Data: rows, Total: total}, nil
}

// Get returns the row by id, or nil when absent or soft-deleted.
func (r *Repository[T, PT]) Get(ctx context.Context, id int64) (*T, error) {
	var row T
	err := r.base(ctx, false).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %d: %w", r.schema.Table, id, err)
	}
	return &row, nil
}

// GetFirst returns the first row matching the predicate, or nil.
func (r *Repository[T, PT]) GetFirst(ctx context.Context, p FirstParams) (*T, error) {
	order, err := r.orderClause(p.OrderBy, p.Order)
	if err != nil {
		return nil, err
	}
	q, err := r.applyPredicate(r.base(ctx, p.IncludeDeleted), p.Filters, "")
	if err != nil {
		return nil, err
	}
	var row T
	err = q.Order(order).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get first %s: %w", r.schema.Table, err)
	}
	return &row, nil
}

// Create inserts a row. Caller-supplied identity, timestamps, deletion
// marker, and embedding are discarded; the embedding is recomputed from
// the row so similarity search stays consistent with content.
func (r *Repository[T, PT]) Create(ctx context.Context, row *T) (*T, error) {
	m := PT(row).Meta()
	m.ID = 0
	m.CreatedAt = time.Time{}
	m.UpdatedAt = time.Time{}
	m.DeletedAt = nil
	m.Embedding = db.Encode(PT(row).SearchText())

	if err := r.gdb.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("create %s: %w", r.schema.Table, err)
	}
	return row, nil
}

// CreateAll inserts a batch in one statement, with the same field
// scrubbing as Create.
func (r *Repository[T, PT]) CreateAll(ctx context.Context, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	for i := range rows {
		m := PT(&rows[i]).Meta()
		m.ID = 0
		m.CreatedAt = time.Time{}
		m.UpdatedAt = time.Time{}
		m.DeletedAt = nil
		m.Embedding = db.Encode(PT(&rows[i]).SearchText())
	}
	if err := r.gdb.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("create %s batch: %w", r.schema.Table, err)
	}
	return nil
}

// Protected column names a caller can never set directly.
var protectedColumns = map[string]struct{}{
	"id": {}, "created_at": {}, "updated_at": {}, "deleted_at": {}, "embedding": {},
}

// Update applies a partial update and returns the fresh row, or nil
// when the id does not match a live row. A "password" shadow field is
// hashed and stored as password_hash instead of being written verbatim.
func (r *Repository[T, PT]) Update(ctx context.Context, id int64, values map[string]any) (*T, error) {
	if len(values) == 0 {
		return r.Get(ctx, id)
	}

	clean := make(map[string]any, len(values)+1)
	for k, v := range values {
		if _, protected := protectedColumns[k]; protected {
			continue
		}
		if k == "password" {
			plain, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("password must be a string")
			}
			hash, err := auth.HashPassword(plain)
			if err != nil {
				return nil, fmt.Errorf("hash password: %w", err)
			}
			clean["password_hash"] = hash
			continue
		}
		if !r.schema.HasColumn(k) && k != "password_hash" {
			return nil, fmt.Errorf("unknown column %q", k)
		}
		clean[k] = v
	}
	clean["updated_at"] = time.Now().UTC()

	res := r.gdb.WithContext(ctx).Table(r.schema.Table).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(clean)
	if res.Error != nil {
		return nil, fmt.Errorf("update %s %d: %w", r.schema.Table, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return r.Get(ctx, id)
}

// Delete removes a row and returns its prior state, or nil when the id
// does not match a live row. Soft deletion stamps deleted_at; hard
// deletion removes the physical row.
func (r *Repository[T, PT]) Delete(ctx context.Context, id int64, soft bool) (*T, error) {
	prior, err := r.Get(ctx, id)
	if err != nil || prior == nil {
		return nil, err
	}

	if soft {
		res := r.gdb.WithContext(ctx).Table(r.schema.Table).
			Where("id = ? AND deleted_at IS NULL", id).
			Updates(map[string]any{"deleted_at": time.Now().UTC()})
		if res.Error != nil {
			return nil, fmt.Errorf("soft delete %s %d: %w", r.schema.Table, id, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, nil
		}
		return prior, nil
	}

	res := r.gdb.WithContext(ctx).Table(r.schema.Table).Where("id = ?", id).Delete(new(T))
	if res.Error != nil {
		return nil, fmt.Errorf("delete %s %d: %w", r.schema.Table, id, res.Error)
	}
	return prior, nil
}
