package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	kbotel "github.com/kumanday/nexus-agents/internal/otel"
)

// timeLayout is fixed-width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Record is one row keyed by column name. Values read back are string,
// time.Time, int64, float64, decoded JSON (map[string]any, []any, ...) or nil.
// JSON numbers decode as float64 unless float64 cannot hold them exactly;
// those come back as int64, uint64 or json.Number.
type Record map[string]any

// Op is a Query filter operator.
type Op string

const (
	OpEq      Op = "="
	OpLike    Op = "LIKE"
	OpGt      Op = ">"
	OpLt      Op = "<"
	OpNotNull Op = "IS NOT NULL"
)

// Filter restricts a Query on one column.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

func Eq(column string, v any) Filter { return Filter{Column: column, Op: OpEq, Value: v} }
func Like(column, substr string) Filter { return Filter{Column: column, Op: OpLike, Value: substr} }
func Gt(column string, v any) Filter { return Filter{Column: column, Op: OpGt, Value: v} }
func Lt(column string, v any) Filter { return Filter{Column: column, Op: OpLt, Value: v} }
func NotNull(column string) Filter { return Filter{Column: column, Op: OpNotNull} }

// Order sorts Query results by a column.
type Order struct {
	Column string
	Desc   bool
}

// Query selects records of one kind. Where filters are ANDed; Any filters
// form one ORed group ANDed with the rest. Insertion order (rowid) breaks ties.
type Query struct {
	Where   []Filter
	Any     []Filter
	OrderBy []Order
	Limit   int
}

// Upsert writes rec as the complete new state of its record, generating the
// id when absent and filling omitted columns from their defaults. The row
// is replaced, never merged, and keeps its insertion position.
func (s *Store) Upsert(ctx context.Context, kind *Kind, rec Record) (id string, err error) {
	ctx, done := s.track(ctx, "upsert", kbotel.AttrKind.String(kind.Name))
	defer func() { done(err) }()

	id, args, err := kind.prepare(rec, s.now())
	if err != nil {
		return "", err
	}
	names := make([]string, len(kind.Columns))
	marks := make([]string, len(kind.Columns))
	sets := make([]string, 0, len(kind.Columns)-1)
	for i, c := range kind.Columns {
		names[i] = c.Name
		marks[i] = "?"
		if c.Name != kind.ID {
			sets = append(sets, c.Name+" = excluded."+c.Name)
		}
	}
	// Updating in place keeps the rowid, so insertion-order tie-breaks
	// survive an overwrite.
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s;",
		kind.Table, strings.Join(names, ", "), strings.Join(marks, ", "), kind.ID, strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return "", fmt.Errorf("upsert %s: %w", kind.Name, err)
	}
	return id, nil
}

// Get returns the record with the given id, or nil, nil when absent.
func (s *Store) Get(ctx context.Context, kind *Kind, id string) (rec Record, err error) {
	ctx, done := s.track(ctx, "get", kbotel.AttrKind.String(kind.Name))
	defer func() { done(err) }()

	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?;", kind.selectList(""), kind.Table, kind.ID)
	recs, err := s.queryRecords(ctx, kind, stmt, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// UpdateFields applies a partial update in one statement. updated_at is
// refreshed unless supplied. An empty field set touches nothing and
// reports false; otherwise the result says whether a row matched.
func (s *Store) UpdateFields(ctx context.Context, kind *Kind, id string, fields Record) (matched bool, err error) {
	if len(fields) == 0 {
		return false, nil
	}
	ctx, done := s.track(ctx, "update", kbotel.AttrKind.String(kind.Name))
	defer func() { done(err) }()

	names := make([]string, 0, len(fields)+1)
	for name := range fields {
		if name == kind.ID {
			return false, &IntegrityError{Kind: kind.Name, Field: name, Reason: "id column cannot be updated"}
		}
		if _, ok := kind.index[name]; !ok {
			return false, &IntegrityError{Kind: kind.Name, Field: name, Reason: "unknown column"}
		}
		names = append(names, name)
	}
	values := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		values[k] = v
	}
	if _, ok := values["updated_at"]; !ok && kind.HasUpdatedAt() {
		values["updated_at"] = s.now()
		names = append(names, "updated_at")
	}
	slices.Sort(names)

	sets := make([]string, len(names))
	args := make([]any, 0, len(names)+1)
	doc := make(map[string]any, len(names))
	for i, name := range names {
		col, _ := kind.Column(name)
		arg, dv, err := kind.encode(col, values[name])
		if err != nil {
			return false, err
		}
		sets[i] = name + " = ?"
		args = append(args, arg)
		doc[name] = dv
	}
	if err := kind.validate(doc); err != nil {
		return false, err
	}
	args = append(args, id)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?;", kind.Table, strings.Join(sets, ", "), kind.ID)
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", kind.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update %s rows affected: %w", kind.Name, err)
	}
	return n > 0, nil
}

// Query returns the records of kind matching q.
func (s *Store) Query(ctx context.Context, kind *Kind, q Query) (recs []Record, err error) {
	ctx, done := s.track(ctx, "query", kbotel.AttrKind.String(kind.Name))
	defer func() { done(err) }()

	stmt, args, err := kind.buildSelect(q)
	if err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, kind, stmt, args...)
}

// Count returns the number of records of kind.
func (s *Store) Count(ctx context.Context, kind *Kind) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s;", kind.Table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", kind.Name, err)
	}
	return n, nil
}

func (s *Store) queryRecords(ctx context.Context, kind *Kind, stmt string, args ...any) ([]Record, error) {
	var out []Record
	err := s.scanRows(ctx, kind, stmt, args, func(dest []any) error {
		rec, err := kind.decode(dest)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// scanRows runs stmt and hands each row's scan destinations to fn.
func (s *Store) scanRows(ctx context.Context, kind *Kind, stmt string, args []any, fn func(dest []any) error) error {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("query %s: %w", kind.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		dest := kind.scanDest()
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("scan %s: %w", kind.Name, err)
		}
		if err := fn(dest); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", kind.Name, err)
	}
	return nil
}

func (k *Kind) prepare(rec Record, now time.Time) (string, []any, error) {
	for name := range rec {
		if _, ok := k.index[name]; !ok {
			return "", nil, &IntegrityError{Kind: k.Name, Field: name, Reason: "unknown column"}
		}
	}
	id, _ := rec[k.ID].(string)
	if id == "" {
		id = uuid.NewString()
	}

	args := make([]any, len(k.Columns))
	doc := make(map[string]any, len(k.Columns))
	for i, c := range k.Columns {
		v, present := rec[c.Name]
		switch {
		case c.Name == k.ID:
			v = id
		case !present && c.Default != nil:
			v = c.Default(now)
		}
		arg, dv, err := k.encode(c, v)
		if err != nil {
			return "", nil, err
		}
		args[i] = arg
		doc[c.Name] = dv
	}
	if err := k.validate(doc); err != nil {
		return "", nil, err
	}
	return id, args, nil
}

// validate checks doc against the kind schema. doc holds JSON columns as
// json.RawMessage so the validator sees exactly what is stored.
func (k *Kind) validate(doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return &SerializationError{Kind: k.Name, Column: "*", Err: err}
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &SerializationError{Kind: k.Name, Column: "*", Err: err}
	}
	if err := k.schema.Validate(parsed); err != nil {
		ie := &IntegrityError{Kind: k.Name, Reason: "schema validation failed"}
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := ve
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			if len(leaf.InstanceLocation) > 0 {
				ie.Field = leaf.InstanceLocation[0]
			}
			ie.Reason = strings.Join(strings.Fields(leaf.Error()), " ")
		}
		return ie
	}
	return nil
}

// encode converts a Go value into the SQL argument and the validation document value.
func (k *Kind) encode(c Column, v any) (any, any, error) {
	if isNil(v) {
		return nil, nil, nil
	}
	mismatch := func() error {
		return &IntegrityError{Kind: k.Name, Field: c.Name, Reason: fmt.Sprintf("unsupported value of type %T", v)}
	}
	rv := reflect.Indirect(reflect.ValueOf(v))
	if c.Type != TypeJSON {
		v = rv.Interface()
	}

	switch c.Type {
	case TypeText:
		if rv.Kind() != reflect.String {
			return nil, nil, mismatch()
		}
		return rv.String(), rv.String(), nil
	case TypeTime:
		switch t := v.(type) {
		case time.Time:
			s := formatTime(t)
			return s, s, nil
		case string:
			parsed, err := parseTime(t)
			if err != nil {
				return nil, nil, &IntegrityError{Kind: k.Name, Field: c.Name, Reason: fmt.Sprintf("invalid timestamp %q", t)}
			}
			s := formatTime(parsed)
			return s, s, nil
		}
		return nil, nil, mismatch()
	case TypeInt:
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return rv.Int(), rv.Int(), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n := int64(rv.Uint())
			return n, n, nil
		case reflect.Float32, reflect.Float64:
			f := rv.Float()
			if f != float64(int64(f)) {
				return nil, nil, &IntegrityError{Kind: k.Name, Field: c.Name, Reason: fmt.Sprintf("expected an integer, got %v", f)}
			}
			return int64(f), int64(f), nil
		}
		return nil, nil, mismatch()
	case TypeFloat:
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return float64(rv.Int()), float64(rv.Int()), nil
		case reflect.Float32, reflect.Float64:
			return rv.Float(), rv.Float(), nil
		}
		return nil, nil, mismatch()
	case TypeJSON:
		var raw []byte
		if msg, ok := v.(json.RawMessage); ok {
			if !json.Valid(msg) {
				return nil, nil, &SerializationError{Kind: k.Name, Column: c.Name, Err: errors.New("invalid JSON document")}
			}
			raw = msg
		} else {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, nil, &SerializationError{Kind: k.Name, Column: c.Name, Err: err}
			}
			raw = b
		}
		if string(raw) == "null" {
			return nil, nil, nil
		}
		return string(raw), json.RawMessage(raw), nil
	}
	return nil, nil, mismatch()
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func (k *Kind) selectList(alias string) string {
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	names := make([]string, len(k.Columns))
	for i, c := range k.Columns {
		names[i] = prefix + c.Name
	}
	return strings.Join(names, ", ")
}

func (k *Kind) scanDest() []any {
	dest := make([]any, len(k.Columns))
	for i, c := range k.Columns {
		switch c.Type {
		case TypeInt:
			dest[i] = new(sql.NullInt64)
		case TypeFloat:
			dest[i] = new(sql.NullFloat64)
		default:
			dest[i] = new(sql.NullString)
		}
	}
	return dest
}

func (k *Kind) decode(dest []any) (Record, error) {
	rec := make(Record, len(k.Columns))
	for i, c := range k.Columns {
		switch d := dest[i].(type) {
		case *sql.NullInt64:
			if d.Valid {
				rec[c.Name] = d.Int64
			} else {
				rec[c.Name] = nil
			}
		case *sql.NullFloat64:
			if d.Valid {
				rec[c.Name] = d.Float64
			} else {
				rec[c.Name] = nil
			}
		case *sql.NullString:
			if !d.Valid {
				rec[c.Name] = nil
				continue
			}
			switch c.Type {
			case TypeJSON:
				v, err := decodeJSON(d.String)
				if err != nil {
					return nil, &SerializationError{Kind: k.Name, Column: c.Name, Err: err}
				}
				rec[c.Name] = v
			case TypeTime:
				t, err := parseTime(d.String)
				if err != nil {
					return nil, &SerializationError{Kind: k.Name, Column: c.Name, Err: err}
				}
				rec[c.Name] = t
			default:
				rec[c.Name] = d.String
			}
		}
	}
	return rec, nil
}

// rawText returns the stored text of a scanned text or JSON column.
func (k *Kind) rawText(dest []any, column string) (string, bool) {
	i, ok := k.index[column]
	if !ok {
		return "", false
	}
	d, ok := dest[i].(*sql.NullString)
	if !ok || !d.Valid {
		return "", false
	}
	return d.String, true
}

// Integers within maxExactInt of zero are exact as float64.
const maxExactInt = 1 << 53

func decodeJSON(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON document")
	}
	return exactNumbers(v), nil
}

func exactNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = exactNumbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = exactNumbers(e)
		}
	case json.Number:
		return numberValue(t)
	}
	return v
}

func numberValue(n json.Number) any {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			if i >= -maxExactInt && i <= maxExactInt {
				return float64(i)
			}
			return i
		}
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return u
		}
		return n
	}
	f, err := n.Float64()
	if err != nil {
		return n
	}
	return f
}

func (k *Kind) buildSelect(q Query) (string, []any, error) {
	var (
		clauses []string
		args    []any
	)
	for _, f := range q.Where {
		clause, fargs, err := k.filterSQL(f)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, fargs...)
	}
	if len(q.Any) > 0 {
		group := make([]string, 0, len(q.Any))
		for _, f := range q.Any {
			clause, fargs, err := k.filterSQL(f)
			if err != nil {
				return "", nil, err
			}
			group = append(group, clause)
			args = append(args, fargs...)
		}
		clauses = append(clauses, "("+strings.Join(group, " OR ")+")")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", k.selectList(""), k.Table)
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}

	orders := make([]string, 0, len(q.OrderBy)+1)
	tieDesc := false
	for _, o := range q.OrderBy {
		if _, ok := k.index[o.Column]; !ok {
			return "", nil, &IntegrityError{Kind: k.Name, Field: o.Column, Reason: "unknown order column"}
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		orders = append(orders, o.Column+" "+dir)
		tieDesc = o.Desc
	}
	if tieDesc {
		orders = append(orders, "rowid DESC")
	} else {
		orders = append(orders, "rowid ASC")
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(orders, ", "))

	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	b.WriteString(";")
	return b.String(), args, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (k *Kind) filterSQL(f Filter) (string, []any, error) {
	col, ok := k.Column(f.Column)
	if !ok {
		return "", nil, &IntegrityError{Kind: k.Name, Field: f.Column, Reason: "unknown filter column"}
	}
	switch f.Op {
	case OpNotNull:
		return col.Name + " IS NOT NULL", nil, nil
	case OpLike:
		needle := fmt.Sprint(f.Value)
		return col.Name + ` LIKE ? ESCAPE '\'`, []any{"%" + likeEscaper.Replace(needle) + "%"}, nil
	case OpEq, OpGt, OpLt:
		arg, _, err := k.encode(col, f.Value)
		if err != nil {
			return "", nil, err
		}
		if arg == nil {
			if f.Op != OpEq {
				return "", nil, &IntegrityError{Kind: k.Name, Field: f.Column, Reason: "cannot compare against null"}
			}
			return col.Name + " IS NULL", nil, nil
		}
		return col.Name + " " + string(f.Op) + " ?", []any{arg}, nil
	}
	return "", nil, &IntegrityError{Kind: k.Name, Field: f.Column, Reason: fmt.Sprintf("unsupported operator %q", f.Op)}
}
