package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ratchetd/ratchet/internal/observability"
)

// observer wraps logical DB ops with the prometheus histogram when wired.
type observer struct {
	prom *observability.Prom
}

func (o observer) observe(op string, fn func() error) error {
	if o.prom != nil {
		return o.prom.ObserveDB(op, fn)
	}
	return fn()
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return false
}

// whereBuilder accumulates SQL conditions with positional args.
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) add(cond string, args ...any) {
	pos := len(w.args) + 1
	for i := range args {
		cond = strings.Replace(cond, "$?", fmt.Sprintf("$%d", pos+i), 1)
	}
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

// addIn appends an "col = ANY($n)" condition for a slice.
func (w *whereBuilder) addIn(col string, values any) {
	w.args = append(w.args, values)
	w.conds = append(w.conds, fmt.Sprintf("%s = ANY($%d)", col, len(w.args)))
}

func (w *whereBuilder) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// next returns the next positional placeholder index after the stored args.
func (w *whereBuilder) next() int {
	return len(w.args) + 1
}
