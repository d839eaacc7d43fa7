package storage

import (
	"fmt"
	"strings"

	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/schema"
)

// TableDDL returns the CREATE statements for the table holding root and its
// subtypes.
//
// Foreign keys are composite (tenant_id, column) so references never cross
// tenants. References within one hierarchy are deferred to commit time,
// since rows of one table cannot be ordered against each other.
func TableDDL(reg *schema.Registry, root ir.TypeID) ([]string, error) {
	dt, ok := reg.Lookup(root)
	if !ok {
		return nil, fmt.Errorf("unknown document type %q", root)
	}
	if dt.IsSubtype() {
		return nil, fmt.Errorf("%s is a subtype; tables belong to root types", root)
	}
	table := dt.Table

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(table))
	b.WriteString("    tenant_id     TEXT NOT NULL,\n")
	b.WriteString("    id            TEXT NOT NULL,\n")
	b.WriteString("    data          TEXT NOT NULL CHECK (json_valid(data)),\n")
	b.WriteString("    version       INTEGER NOT NULL DEFAULT 1,\n")
	b.WriteString("    doc_type      TEXT NOT NULL,\n")
	b.WriteString("    last_modified TEXT NOT NULL")

	fks := reg.ForeignKeysOf(root)
	for _, fk := range fks {
		null := ""
		if fk.Required {
			null = " NOT NULL"
		}
		fmt.Fprintf(&b, ",\n    %s TEXT%s", quoteIdent(fk.Column), null)
	}
	b.WriteString(",\n    PRIMARY KEY (tenant_id, id)")

	for _, fk := range fks {
		target := reg.Root(fk.References)
		targetTable := reg.TableFor(fk.References)
		if targetTable == "" {
			return nil, fmt.Errorf("%s.%s references unknown type %q", root, fk.Field, fk.References)
		}
		deferred := ""
		if target == root {
			deferred = " DEFERRABLE INITIALLY DEFERRED"
		}
		fmt.Fprintf(&b, ",\n    FOREIGN KEY (tenant_id, %s) REFERENCES %s (tenant_id, id)%s",
			quoteIdent(fk.Column), quoteIdent(targetTable), deferred)
	}
	b.WriteString("\n)")

	stmts := []string{b.String()}
	for _, fk := range fks {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (tenant_id, %s)",
			quoteIdent(fmt.Sprintf("idx_%s_%s", table, fk.Column)), quoteIdent(table), quoteIdent(fk.Column)))
	}
	return stmts, nil
}

// SchemaDDL returns the CREATE statements for every root type, in name order.
func SchemaDDL(reg *schema.Registry) ([]string, error) {
	var stmts []string
	for _, dt := range reg.Types() {
		if dt.IsSubtype() {
			continue
		}
		tableStmts, err := TableDDL(reg, dt.Name)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, tableStmts...)
	}
	return stmts, nil
}
