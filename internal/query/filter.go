// Package query turns optional status/priority selections into a store
// query description. It performs no I/O.
package query

import (
	"fmt"
	"strings"

	"github.com/joescharf/triage/internal/models"
)

// Field names a filterable or orderable issue field.
type Field string

const (
	FieldStatus    Field = "status"
	FieldPriority  Field = "priority"
	FieldCreatedAt Field = "createdAt"
)

// Op is a predicate operator. Only equality exists.
type Op string

const OpEquals Op = "=="

// Predicate is a single field comparison.
type Predicate struct {
	Field Field
	Op    Op
	Value string
}

// Order is the sort clause of a FilterSpec.
type Order struct {
	Field      Field
	Descending bool
}

// FilterSpec is a conjunction of equality predicates plus an ordering.
type FilterSpec struct {
	Predicates []Predicate
	OrderBy    Order
}

// newestFirst is the ordering every listing uses.
var newestFirst = Order{Field: FieldCreatedAt, Descending: true}

// BuildFilter maps optional selections to a FilterSpec. Each non-nil
// argument adds one equality predicate (status before priority); the
// ordering is always createdAt descending.
func BuildFilter(status *models.Status, priority *models.Priority) FilterSpec {
	spec := FilterSpec{OrderBy: newestFirst}
	if status != nil {
		spec.Predicates = append(spec.Predicates, Predicate{Field: FieldStatus, Op: OpEquals, Value: string(*status)})
	}
	if priority != nil {
		spec.Predicates = append(spec.Predicates, Predicate{Field: FieldPriority, Op: OpEquals, Value: string(*priority)})
	}
	return spec
}

// Matches evaluates the predicates against issue, for stores that have no
// query engine of their own.
func (f FilterSpec) Matches(issue *models.Issue) bool {
	for _, p := range f.Predicates {
		var v string
		switch p.Field {
		case FieldStatus:
			v = string(issue.Status)
		case FieldPriority:
			v = string(issue.Priority)
		default:
			return false
		}
		if v != p.Value {
			return false
		}
	}
	return true
}

func (f FilterSpec) String() string {
	var parts []string
	for _, p := range f.Predicates {
		parts = append(parts, fmt.Sprintf("%s %s %q", p.Field, p.Op, p.Value))
	}
	where := "true"
	if len(parts) > 0 {
		where = strings.Join(parts, " AND ")
	}
	dir := "asc"
	if f.OrderBy.Descending {
		dir = "desc"
	}
	return fmt.Sprintf("where %s order by %s %s", where, f.OrderBy.Field, dir)
}
