// Package query models the constraint set attached to a read: one
// ordering clause, optional start/end/equal bounds with tie-break keys,
// and one limit clause. Params serialize to REST parameters and can also
// be evaluated locally, so every backend filters identically.
package query

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/treesync/treesync/internal/dberr"
)

// Index selects the sort criterion for a query.
type Index uint8

const (
	IndexPriority Index = iota
	IndexKey
	IndexValue
	IndexChild
)

// Bound is one endpoint of a query range. Key narrows ties between
// children sharing the same sort value.
type Bound struct {
	Value     any
	Key       string
	HasKey    bool
	Inclusive bool
}

type limitKind uint8

const (
	limitNone limitKind = iota
	limitFirst
	limitLast
)

// Params is the immutable-once-built constraint set. The zero value is
// the default query (order by priority, unbounded, unlimited).
type Params struct {
	index      Index
	childPath  []string
	start      *Bound
	end        *Bound
	equal      bool
	limit      limitKind
	limitCount int
	ordered    bool
}

// Clone returns an independent copy; the chainable query API copies
// before every mutation so earlier queries stay frozen.
func (p *Params) Clone() *Params {
	if p == nil {
		return &Params{}
	}
	out := *p
	if p.start != nil {
		start := *p.start
		out.start = &start
	}
	if p.end != nil {
		end := *p.end
		out.end = &end
	}
	out.childPath = append([]string(nil), p.childPath...)
	return &out
}

// SetIndex records the ordering clause. Calling it twice is an error.
func (p *Params) SetIndex(index Index, childPath []string) error {
	if p.ordered {
		return dberr.InvalidArgumentf("an ordering clause has already been specified")
	}
	if index == IndexChild && len(childPath) == 0 {
		return dberr.InvalidArgumentf("orderByChild path cannot be empty")
	}
	p.index = index
	p.childPath = childPath
	p.ordered = true
	return nil
}

// SetStart records the start bound (startAt or startAfter).
func (p *Params) SetStart(bound Bound) error {
	if p.equal {
		return dberr.InvalidArgumentf("equalTo cannot be combined with other bounds")
	}
	if p.start != nil {
		return dberr.InvalidArgumentf("a start bound has already been specified")
	}
	p.start = &bound
	return nil
}

// SetEnd records the end bound (endAt or endBefore).
func (p *Params) SetEnd(bound Bound) error {
	if p.equal {
		return dberr.InvalidArgumentf("equalTo cannot be combined with other bounds")
	}
	if p.end != nil {
		return dberr.InvalidArgumentf("an end bound has already been specified")
	}
	p.end = &bound
	return nil
}

// SetEqual records an equalTo clause, which occupies both bounds.
func (p *Params) SetEqual(bound Bound) error {
	if p.start != nil || p.end != nil {
		return dberr.InvalidArgumentf("equalTo cannot be combined with other bounds")
	}
	start, end := bound, bound
	start.Inclusive, end.Inclusive = true, true
	p.start, p.end = &start, &end
	p.equal = true
	return nil
}

// SetLimitFirst records a limitToFirst clause.
func (p *Params) SetLimitFirst(n int) error {
	return p.setLimit(limitFirst, n)
}

// SetLimitLast records a limitToLast clause.
func (p *Params) SetLimitLast(n int) error {
	return p.setLimit(limitLast, n)
}

func (p *Params) setLimit(kind limitKind, n int) error {
	if n <= 0 {
		return dberr.InvalidArgumentf("limit must be greater than zero")
	}
	if p.limit != limitNone {
		return dberr.InvalidArgumentf("a limit has already been specified")
	}
	p.limit = kind
	p.limitCount = n
	return nil
}

// IsDefault reports whether no constraint has been applied.
func (p *Params) IsDefault() bool {
	return p == nil || (!p.ordered && p.start == nil && p.end == nil && p.limit == limitNone)
}

// Param is a serialized transport parameter.
type Param struct {
	Key   string
	Value string
}

// REST serializes the constraint set into request/response transport
// parameters. A default query serializes to nothing.
func (p *Params) REST() ([]Param, error) {
	if p.IsDefault() {
		return nil, nil
	}

	orderBy := "$priority"
	switch p.index {
	case IndexKey:
		orderBy = "$key"
	case IndexValue:
		orderBy = "$value"
	case IndexChild:
		orderBy = strings.Join(p.childPath, "/")
	}
	encodedOrder, err := json.Marshal(orderBy)
	if err != nil {
		return nil, dberr.Wrap(dberr.Internal, "failed to encode orderBy", err)
	}

	params := []Param{{Key: "orderBy", Value: string(encodedOrder)}}

	if p.start != nil {
		key := "startAt"
		if !p.start.Inclusive {
			key = "startAfter"
		}
		encoded, err := encodeBound(p.start)
		if err != nil {
			return nil, err
		}
		params = append(params, Param{Key: key, Value: encoded})
	}

	if p.end != nil {
		key := "endAt"
		if !p.end.Inclusive {
			key = "endBefore"
		}
		encoded, err := encodeBound(p.end)
		if err != nil {
			return nil, err
		}
		params = append(params, Param{Key: key, Value: encoded})
	}

	switch p.limit {
	case limitFirst:
		params = append(params, Param{Key: "limitToFirst", Value: strconv.Itoa(p.limitCount)})
	case limitLast:
		params = append(params, Param{Key: "limitToLast", Value: strconv.Itoa(p.limitCount)})
	}

	return params, nil
}

// Canonical renders the params in a stable textual form used for listen
// target identity.
func (p *Params) Canonical() string {
	params, err := p.REST()
	if err != nil || len(params) == 0 {
		return "{}"
	}
	var b strings.Builder
	for _, param := range params {
		b.WriteString(param.Key)
		b.WriteByte('=')
		b.WriteString(param.Value)
		b.WriteByte('&')
	}
	return b.String()
}

func encodeBound(b *Bound) (string, error) {
	encoded, err := json.Marshal(b.Value)
	if err != nil {
		return "", dberr.Wrap(dberr.Internal, "failed to encode query bound", err)
	}
	if !b.HasKey {
		return string(encoded), nil
	}
	name, err := json.Marshal(b.Key)
	if err != nil {
		return "", dberr.Wrap(dberr.Internal, "failed to encode query bound key", err)
	}
	return string(encoded) + "," + string(name), nil
}
