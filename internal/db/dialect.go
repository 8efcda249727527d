package db

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"

	"github.com/sells-group/charlie-tr1/internal/model"
)

// Fixed-width layouts keep SQLite TEXT timestamps lexicographically ordered.
const (
	TimestampLayout = "2006-01-02T15:04:05.000000000Z"
	DateLayout      = model.DateLayout
)

// Dialect captures per-driver placeholder style and value encoding.
type Dialect struct {
	Name     string
	bindType int
}

var (
	Postgres = Dialect{Name: "postgres", bindType: sqlx.DOLLAR}
	SQLite   = Dialect{Name: "sqlite", bindType: sqlx.QUESTION}
)

// Rebind converts '?' placeholders to the dialect's style.
func (d Dialect) Rebind(query string) string {
	return sqlx.Rebind(d.bindType, query)
}

// Time encodes a timestamp parameter in UTC.
func (d Dialect) Time(t time.Time) any {
	if d.bindType == sqlx.QUESTION {
		return t.UTC().Format(TimestampLayout)
	}
	return t.UTC()
}

// NullTime encodes an optional timestamp parameter.
func (d Dialect) NullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.Time(*t)
}

// Date encodes a calendar date parameter.
func (d Dialect) Date(t time.Time) any {
	if d.bindType == sqlx.QUESTION {
		return model.Day(t).Format(DateLayout)
	}
	return model.Day(t)
}

// JSON encodes v as a JSON text parameter.
func JSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "db: marshal json")
	}
	return string(b), nil
}

// Time scans a timestamp or date column from either driver into a UTC
// time.Time.
type Time struct {
	T     time.Time
	Valid bool
}

var timeLayouts = []string{
	TimestampLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	DateLayout,
}

// Scan implements sql.Scanner.
func (t *Time) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.T, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.T, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return eris.Errorf("db: cannot scan %T into time", src)
	}
}

// Value implements driver.Valuer.
func (t Time) Value() (driver.Value, error) {
	if !t.Valid {
		return nil, nil
	}
	return t.T, nil
}

func (t *Time) parse(s string) error {
	for _, layout := range timeLayouts {
		if p, err := time.Parse(layout, s); err == nil {
			t.T, t.Valid = p.UTC(), true
			return nil
		}
	}
	return eris.Errorf("db: unrecognized time %q", s)
}

// IsUniqueViolation reports whether err is a unique or primary key
// constraint failure on either driver.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code()
		return code == 2067 || code == 1555
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsConflict reports whether err is a transient concurrency failure:
// serialization failure or deadlock on Postgres, busy or locked on SQLite.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		primary := sqErr.Code() & 0xff
		return primary == 5 || primary == 6
	}
	return false
}

// Classify wraps transient conflicts as model.StoreConflictError so the
// retry layer recognizes them. Other errors pass through wrapped with op.
func Classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if IsConflict(err) {
		return &model.StoreConflictError{Op: op, Err: err}
	}
	return eris.Wrap(err, op)
}
