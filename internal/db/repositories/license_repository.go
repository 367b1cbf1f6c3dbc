// license_repository.go implements LicenseRepository, providing CRUD, filtered
// browsing, row-locked mutation, and the expiry sweep for license records.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/updatepulse/updatepulse-server/internal/db/models"
)

// ErrInvalidBrowseQuery is returned when a browse query references a field or
// operator outside the whitelist. The raw field and operator strings come from
// clients, so they are never interpolated into SQL.
var ErrInvalidBrowseQuery = errors.New("repositories: invalid browse query")

const licenseColumns = `id, license_key, max_allowed_domains, allowed_domains, status,
	owner_name, email, company_name, txn_id, date_created, date_renewed, date_expiry,
	package_slug, package_type, hmac_key, crypto_key, data`

// browseFields whitelists the columns a browse query may filter or order by.
var browseFields = map[string]bool{
	"id":                  true,
	"license_key":         true,
	"max_allowed_domains": true,
	"status":              true,
	"owner_name":          true,
	"email":               true,
	"company_name":        true,
	"txn_id":              true,
	"date_created":        true,
	"date_renewed":        true,
	"date_expiry":         true,
	"package_slug":        true,
	"package_type":        true,
}

// browseOperators whitelists the comparison operators a browse criterion may use.
var browseOperators = map[string]bool{
	"=":           true,
	"!=":          true,
	">":           true,
	"<":           true,
	">=":          true,
	"<=":          true,
	"BETWEEN":     true,
	"NOT BETWEEN": true,
	"IN":          true,
	"NOT IN":      true,
	"LIKE":        true,
	"NOT LIKE":    true,
}

// BrowseCriterion is one field comparison in a browse query.
type BrowseCriterion struct {
	Field    string   `json:"field"`
	Operator string   `json:"operator"`
	Values   []string `json:"value"`
}

// BrowseQuery is a filtered license listing request.
type BrowseQuery struct {
	Criteria []BrowseCriterion `json:"criteria"`
	// Relationship joins the criteria with AND (default) or OR.
	Relationship string `json:"relationship"`
	Limit        int    `json:"limit"`
	Offset       int    `json:"offset"`
	OrderBy      string `json:"order_by"`
	// Order is ASC or DESC.
	Order string `json:"order"`
	// APIOwner, when set, restricts results to records created by that API key.
	APIOwner string `json:"-"`
}

// LicenseRepository handles license database operations
type LicenseRepository struct {
	db *sqlx.DB
}

// NewLicenseRepository creates a new LicenseRepository
func NewLicenseRepository(db *sqlx.DB) *LicenseRepository {
	return &LicenseRepository{db: db}
}

// Create inserts a new license and fills in the generated id.
func (r *LicenseRepository) Create(ctx context.Context, lic *models.License) error {
	query := `
		INSERT INTO licenses (license_key, max_allowed_domains, allowed_domains, status,
			owner_name, email, company_name, txn_id, date_created, date_renewed, date_expiry,
			package_slug, package_type, hmac_key, crypto_key, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`

	err := r.db.QueryRowContext(ctx, query,
		lic.LicenseKey,
		lic.MaxAllowedDomains,
		lic.AllowedDomains,
		lic.Status,
		lic.OwnerName,
		lic.Email,
		lic.CompanyName,
		lic.TxnID,
		lic.DateCreated,
		lic.DateRenewed,
		lic.DateExpiry,
		lic.PackageSlug,
		lic.PackageType,
		lic.HMACKey,
		lic.CryptoKey,
		lic.Data,
	).Scan(&lic.ID)
	if err != nil {
		return fmt.Errorf("failed to create license: %w", err)
	}

	return nil
}

// GetByID retrieves a license by numeric id. Returns (nil, nil) when absent.
func (r *LicenseRepository) GetByID(ctx context.Context, id int64) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE id = $1`

	var lic models.License
	err := r.db.GetContext(ctx, &lic, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license: %w", err)
	}

	return &lic, nil
}

// GetByKey retrieves a license by license_key. Returns (nil, nil) when absent.
func (r *LicenseRepository) GetByKey(ctx context.Context, licenseKey string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = $1`

	var lic models.License
	err := r.db.GetContext(ctx, &lic, query, licenseKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license by key: %w", err)
	}

	return &lic, nil
}

// Update rewrites every mutable column of the license identified by id.
func (r *LicenseRepository) Update(ctx context.Context, lic *models.License) error {
	query := `
		UPDATE licenses
		SET license_key = $2, max_allowed_domains = $3, allowed_domains = $4, status = $5,
			owner_name = $6, email = $7, company_name = $8, txn_id = $9,
			date_created = $10, date_renewed = $11, date_expiry = $12,
			package_slug = $13, package_type = $14, hmac_key = $15, crypto_key = $16, data = $17
		WHERE id = $1
	`

	res, err := r.db.ExecContext(ctx, query,
		lic.ID,
		lic.LicenseKey,
		lic.MaxAllowedDomains,
		lic.AllowedDomains,
		lic.Status,
		lic.OwnerName,
		lic.Email,
		lic.CompanyName,
		lic.TxnID,
		lic.DateCreated,
		lic.DateRenewed,
		lic.DateExpiry,
		lic.PackageSlug,
		lic.PackageType,
		lic.HMACKey,
		lic.CryptoKey,
		lic.Data,
	)
	if err != nil {
		return fmt.Errorf("failed to update license: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// Delete removes a license by id. Returns sql.ErrNoRows when nothing matched.
func (r *LicenseRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM licenses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete license: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// UpdateWithLock loads the license identified by license_key inside a
// transaction with SELECT ... FOR UPDATE, applies fn to it, and writes the
// mutated record back. Concurrent activations of the same key serialize on
// the row lock, so read-modify-write cycles like appending to allowed_domains
// never lose updates. fn returning an error rolls everything back and the
// error is returned verbatim; (nil, nil) means the key does not exist.
func (r *LicenseRepository) UpdateWithLock(ctx context.Context, licenseKey string, fn func(*models.License) error) (*models.License, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = $1 FOR UPDATE`

	var lic models.License
	err = tx.GetContext(ctx, &lic, query, licenseKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock license: %w", err)
	}

	if err := fn(&lic); err != nil {
		return nil, err
	}

	update := `
		UPDATE licenses
		SET max_allowed_domains = $2, allowed_domains = $3, status = $4,
			owner_name = $5, email = $6, company_name = $7, txn_id = $8,
			date_renewed = $9, date_expiry = $10, data = $11
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, update,
		lic.ID,
		lic.MaxAllowedDomains,
		lic.AllowedDomains,
		lic.Status,
		lic.OwnerName,
		lic.Email,
		lic.CompanyName,
		lic.TxnID,
		lic.DateRenewed,
		lic.DateExpiry,
		lic.Data,
	); err != nil {
		return nil, fmt.Errorf("failed to write locked license: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit license update: %w", err)
	}

	return &lic, nil
}

// Browse runs a filtered listing. Field and operator names are validated
// against whitelists before any SQL is assembled; values always travel as
// bind parameters.
func (r *LicenseRepository) Browse(ctx context.Context, q *BrowseQuery) ([]models.License, error) {
	where, args, err := buildBrowseWhere(q)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + licenseColumns + ` FROM licenses`
	if where != "" {
		query += " WHERE " + where
	}

	orderBy := "id"
	if q.OrderBy != "" {
		if !browseFields[q.OrderBy] {
			return nil, fmt.Errorf("%w: cannot order by %q", ErrInvalidBrowseQuery, q.OrderBy)
		}
		orderBy = q.OrderBy
	}
	order := "ASC"
	if strings.EqualFold(q.Order, "DESC") {
		order = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", orderBy, order)

	limit := q.Limit
	if limit <= 0 || limit > 999 {
		limit = 999
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	licenses := make([]models.License, 0)
	if err := r.db.SelectContext(ctx, &licenses, query, args...); err != nil {
		return nil, fmt.Errorf("failed to browse licenses: %w", err)
	}

	return licenses, nil
}

// buildBrowseWhere renders the criteria into a WHERE fragment plus bind args.
func buildBrowseWhere(q *BrowseQuery) (string, []interface{}, error) {
	var (
		clauses []string
		args    []interface{}
	)

	placeholder := func(v string) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, c := range q.Criteria {
		if !browseFields[c.Field] {
			return "", nil, fmt.Errorf("%w: unknown field %q", ErrInvalidBrowseQuery, c.Field)
		}
		op := strings.ToUpper(strings.TrimSpace(c.Operator))
		if op == "" {
			op = "="
		}
		if !browseOperators[op] {
			return "", nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidBrowseQuery, c.Operator)
		}

		switch op {
		case "BETWEEN", "NOT BETWEEN":
			if len(c.Values) != 2 {
				return "", nil, fmt.Errorf("%w: %s requires exactly two values", ErrInvalidBrowseQuery, op)
			}
			clauses = append(clauses, fmt.Sprintf("%s %s %s AND %s",
				c.Field, op, placeholder(c.Values[0]), placeholder(c.Values[1])))
		case "IN", "NOT IN":
			if len(c.Values) == 0 {
				return "", nil, fmt.Errorf("%w: %s requires at least one value", ErrInvalidBrowseQuery, op)
			}
			marks := make([]string, len(c.Values))
			for i, v := range c.Values {
				marks[i] = placeholder(v)
			}
			clauses = append(clauses, fmt.Sprintf("%s %s (%s)", c.Field, op, strings.Join(marks, ", ")))
		default:
			if len(c.Values) != 1 {
				return "", nil, fmt.Errorf("%w: %s requires exactly one value", ErrInvalidBrowseQuery, op)
			}
			clauses = append(clauses, fmt.Sprintf("%s %s %s", c.Field, op, placeholder(c.Values[0])))
		}
	}

	rel := " AND "
	if strings.EqualFold(q.Relationship, "OR") {
		rel = " OR "
	}
	where := strings.Join(clauses, rel)

	// Ownership filtering is ANDed on top regardless of the relationship the
	// client picked for its own criteria.
	if q.APIOwner != "" {
		args = append(args, q.APIOwner)
		ownerClause := fmt.Sprintf("data->>'api_owner' = $%d", len(args))
		if where != "" {
			where = "(" + where + ") AND " + ownerClause
		} else {
			where = ownerClause
		}
	}

	return where, args, nil
}

// SweepExpired transitions every license whose expiry date has passed to
// expired, skipping blocked records and records already expired, and returns
// the licenses that changed. The single UPDATE ... RETURNING keeps the sweep
// atomic, and excluding already-expired rows guarantees each record is
// returned by exactly one sweep.
func (r *LicenseRepository) SweepExpired(ctx context.Context, now time.Time) ([]models.License, error) {
	query := `
		UPDATE licenses
		SET status = 'expired'
		WHERE date_expiry IS NOT NULL
		  AND date_expiry <= $1
		  AND status NOT IN ('blocked', 'expired')
		RETURNING ` + licenseColumns

	expired := make([]models.License, 0)
	if err := r.db.SelectContext(ctx, &expired, query, now); err != nil {
		return nil, fmt.Errorf("failed to sweep expired licenses: %w", err)
	}

	return expired, nil
}
