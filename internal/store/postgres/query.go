package postgres

import (
	"strconv"
	"strings"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// listQuery assembles a filtered, paginated SELECT with positional
// arguments.
type listQuery struct {
	sb    strings.Builder
	args  []any
	where bool
}

func newListQuery(base string) *listQuery {
	q := &listQuery{}
	q.sb.WriteString(base)
	return q
}

// cond appends "<expr> $n" bound to v.
func (q *listQuery) cond(expr string, v any) {
	if q.where {
		q.sb.WriteString(" AND ")
	} else {
		q.sb.WriteString(" WHERE ")
		q.where = true
	}
	q.sb.WriteString(expr)
	q.sb.WriteString(" ")
	q.bind(v)
}

func (q *listQuery) bind(v any) {
	q.args = append(q.args, v)
	q.sb.WriteString("$" + strconv.Itoa(len(q.args)))
}

// window applies the time range shared by every list. Until is exclusive.
func (q *listQuery) window(opts domain.ListOpts) {
	if opts.Since != nil {
		q.cond("created_at >=", *opts.Since)
	}
	if opts.Until != nil {
		q.cond("created_at <", *opts.Until)
	}
}

func (q *listQuery) page(orderBy string, opts domain.ListOpts) {
	q.sb.WriteString(" ORDER BY " + orderBy)
	if opts.Limit > 0 {
		q.sb.WriteString(" LIMIT ")
		q.bind(opts.Limit)
	}
	if opts.Offset > 0 {
		q.sb.WriteString(" OFFSET ")
		q.bind(opts.Offset)
	}
}

func (q *listQuery) String() string { return q.sb.String() }
