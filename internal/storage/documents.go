package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/journeyman32/marten/internal/batch"
	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/schema"
)

// documentWrite carries what every document statement needs.
type documentWrite struct {
	dt     *schema.DocumentType
	table  string
	fks    []schema.ForeignKey
	op     ir.Operation
	tenant ir.TenantID
	id     string
}

func (s *Storage) materializeDocument(b *batch.Batch, dt *schema.DocumentType, op ir.Operation, tenant ir.TenantID) error {
	root := s.reg.Root(dt.Name)
	w := documentWrite{
		dt:     dt,
		table:  quoteIdent(s.reg.TableFor(dt.Name)),
		fks:    s.reg.ForeignKeysOf(root),
		op:     op,
		tenant: tenant,
		id:     op.ID,
	}
	if w.id == "" && op.Document != nil {
		id, err := dt.IDOf(op.Document)
		if err != nil {
			return err
		}
		w.id = id
	}
	if w.id == "" {
		return fmt.Errorf("%s document has no id", dt.Name)
	}

	switch op.Kind {
	case ir.KindInsert:
		return s.insert(b, w)
	case ir.KindUpdate:
		return s.update(b, w)
	case ir.KindUpsert:
		return s.upsert(b, w)
	case ir.KindDelete:
		b.Add(ir.Statement{
			SQL:  fmt.Sprintf("DELETE FROM %s WHERE tenant_id = ? AND id = ?", w.table),
			Args: []any{string(tenant), w.id},
		}, nil)
		return nil
	case ir.KindPatch:
		return s.patch(b, w)
	}
	return fmt.Errorf("unsupported document operation %s", op.Kind)
}

// payload returns the serialized document and foreign key column values.
func (w documentWrite) payload() (string, []any, error) {
	data := w.op.JSON
	if data == nil {
		if w.op.Document == nil {
			return "", nil, fmt.Errorf("%s/%s has no document", w.dt.Name, w.id)
		}
		var err error
		data, err = json.Marshal(w.op.Document)
		if err != nil {
			return "", nil, fmt.Errorf("serialize %s/%s: %w", w.dt.Name, w.id, err)
		}
	}

	refs := make([]any, len(w.fks))
	if w.op.Document != nil {
		for i, fk := range w.fks {
			v, err := w.dt.ForeignKeyValue(w.op.Document, fk)
			if err != nil {
				return "", nil, err
			}
			refs[i] = v
		}
	}
	return string(data), refs, nil
}

func (w documentWrite) fkColumns() []string {
	cols := make([]string, len(w.fks))
	for i, fk := range w.fks {
		cols[i] = quoteIdent(fk.Column)
	}
	return cols
}

func (s *Storage) insert(b *batch.Batch, w documentWrite) error {
	data, refs, err := w.payload()
	if err != nil {
		return err
	}

	cols := append([]string{"tenant_id", "id", "data", "version", "doc_type", "last_modified"}, w.fkColumns()...)
	values := append([]string{"?", "?", "?", "1", "?", nowSQL}, placeholders(len(refs))...)
	args := append([]any{string(w.tenant), w.id, data, string(w.dt.Name)}, refs...)

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", w.table, strings.Join(cols, ", "), strings.Join(values, ", "))

	var idx int
	if w.dt.OptimisticConcurrency {
		idx = b.Add(ir.Statement{SQL: sql + " RETURNING version", Args: args, ReturnsRows: true}, reportVersion(w.op))
	} else {
		idx = b.Add(ir.Statement{SQL: sql, Args: args}, nil)
	}
	b.AddTransform(documentExists(idx, w.dt.Name, w.id))
	return nil
}

func (s *Storage) update(b *batch.Batch, w documentWrite) error {
	data, refs, err := w.payload()
	if err != nil {
		return err
	}

	sets := []string{"data = ?", "version = version + 1", "doc_type = ?", "last_modified = " + nowSQL}
	args := []any{data, string(w.dt.Name)}
	for i, col := range w.fkColumns() {
		sets = append(sets, col+" = ?")
		args = append(args, refs[i])
	}
	args = append(args, string(w.tenant), w.id)

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE tenant_id = ? AND id = ?", w.table, strings.Join(sets, ", "))
	if !w.dt.OptimisticConcurrency {
		b.Add(ir.Statement{SQL: sql, Args: args}, nil)
		return nil
	}
	if w.op.Version > 0 {
		sql += " AND version = ?"
		args = append(args, w.op.Version)
	}
	b.Add(ir.Statement{SQL: sql + " RETURNING version", Args: args, ReturnsRows: true}, checkVersion(w.op, w.id))
	return nil
}

func (s *Storage) upsert(b *batch.Batch, w documentWrite) error {
	data, refs, err := w.payload()
	if err != nil {
		return err
	}

	fkCols := w.fkColumns()
	cols := append([]string{"tenant_id", "id", "data", "version", "doc_type", "last_modified"}, fkCols...)
	values := append([]string{"?", "?", "?", "1", "?", nowSQL}, placeholders(len(refs))...)
	args := append([]any{string(w.tenant), w.id, data, string(w.dt.Name)}, refs...)

	sets := []string{
		"data = excluded.data",
		fmt.Sprintf("version = %s.version + 1", w.table),
		"doc_type = excluded.doc_type",
		"last_modified = excluded.last_modified",
	}
	for _, col := range fkCols {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (tenant_id, id) DO UPDATE SET %s",
		w.table, strings.Join(cols, ", "), strings.Join(values, ", "), strings.Join(sets, ", "))

	if !w.dt.OptimisticConcurrency {
		b.Add(ir.Statement{SQL: sql, Args: args}, nil)
		return nil
	}
	if w.op.Version > 0 {
		sql += fmt.Sprintf(" WHERE %s.version = ?", w.table)
		args = append(args, w.op.Version)
	}
	b.Add(ir.Statement{SQL: sql + " RETURNING version", Args: args, ReturnsRows: true}, checkVersion(w.op, w.id))
	return nil
}

// patch assigns JSON paths in place. A path naming a foreign key field also
// updates its column.
func (s *Storage) patch(b *batch.Batch, w documentWrite) error {
	if len(w.op.Patch) == 0 {
		return fmt.Errorf("patch %s/%s has no assignments", w.dt.Name, w.id)
	}

	var (
		pairs []string
		args  []any
		sets  []string
		fkArg []any
	)
	for _, p := range w.op.Patch {
		path, err := jsonPath(p.Path)
		if err != nil {
			return err
		}
		value, err := json.Marshal(p.Value)
		if err != nil {
			return fmt.Errorf("patch %s: %w", p.Path, err)
		}
		pairs = append(pairs, "?, json(?)")
		args = append(args, path, string(value))

		for _, fk := range w.fks {
			if path == "$."+fk.Field {
				sets = append(sets, quoteIdent(fk.Column)+" = ?")
				fkArg = append(fkArg, foreignKeyArg(p.Value))
			}
		}
	}

	sets = append([]string{
		fmt.Sprintf("data = json_set(data, %s)", strings.Join(pairs, ", ")),
		"version = version + 1",
		"last_modified = " + nowSQL,
	}, sets...)
	args = append(args, fkArg...)
	args = append(args, string(w.tenant), w.id)

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE tenant_id = ? AND id = ?", w.table, strings.Join(sets, ", "))
	if w.dt.OptimisticConcurrency {
		b.Add(ir.Statement{SQL: sql + " RETURNING version", Args: args, ReturnsRows: true}, reportVersion(w.op))
		return nil
	}
	b.Add(ir.Statement{SQL: sql, Args: args}, nil)
	return nil
}

// jsonPath normalizes "Status" and "$.Status" to "$.Status".
func jsonPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || p == "$" {
		return "", fmt.Errorf("patch path %q does not name a field", p)
	}
	if !strings.HasPrefix(p, "$") {
		p = "$." + p
	}
	return p, nil
}

func foreignKeyArg(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if val == "" {
			return nil
		}
		return val
	default:
		return fmt.Sprint(val)
	}
}

func placeholders(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "?"
	}
	return out
}
