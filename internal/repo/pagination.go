package repo

// Pagination is the query-side input accepted by every list operation. Page
// is 1-based; Offset wins over Page when both are set.
type Pagination struct {
	Page   *int `json:"page,omitempty" form:"page"`
	Limit  *int `json:"limit,omitempty" form:"limit"`
	Offset *int `json:"offset,omitempty" form:"offset"`
}

const (
	DefaultLimit = 25
	MaxLimit     = 200
)

// Resolve normalizes the input into concrete limit/offset values.
func (p Pagination) Resolve() (limit, offset int) {
	limit = DefaultLimit
	if p.Limit != nil && *p.Limit > 0 {
		limit = *p.Limit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	if p.Offset != nil && *p.Offset >= 0 {
		return limit, *p.Offset
	}
	if p.Page != nil && *p.Page > 1 {
		return limit, (*p.Page - 1) * limit
	}
	return limit, 0
}

// ListMeta describes the page a list response covers.
type ListMeta struct {
	Page        int   `json:"page"`
	Limit       int   `json:"limit"`
	Total       int64 `json:"total"`
	TotalPages  int   `json:"total_pages"`
	HasNext     bool  `json:"has_next"`
	HasPrevious bool  `json:"has_previous"`
	Offset      int   `json:"offset"`
}

// MetaFor builds the meta block from resolved values and the total row count.
func MetaFor(limit, offset int, total int64) ListMeta {
	page := offset/limit + 1

	totalPages := int(total) / limit
	if int(total)%limit != 0 {
		totalPages++
	}
	if totalPages == 0 {
		totalPages = 1
	}

	return ListMeta{
		Page:        page,
		Limit:       limit,
		Total:       total,
		TotalPages:  totalPages,
		HasNext:     int64(offset+limit) < total,
		HasPrevious: offset > 0,
		Offset:      offset,
	}
}
