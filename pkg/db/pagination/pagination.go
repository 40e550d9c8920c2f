package pagination

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Pagination is the page-number request shape used by list endpoints.
type Pagination struct {
	Page     int `form:"page,default=1"`
	PageSize int `form:"per_page,default=20"`
}

type PageInfo struct {
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
	Total   int64 `json:"total"`
	Pages   int   `json:"pages"`
}

// Normalize clamps page and size into the supported range.
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

func (p Pagination) Offset() int {
	n := p.Normalize()
	return (n.Page - 1) * n.PageSize
}

func (p Pagination) Limit() int {
	return p.Normalize().PageSize
}

func BuildPageInfo(p Pagination, total int64) PageInfo {
	n := p.Normalize()
	pages := 0
	if total > 0 {
		pages = int((total + int64(n.PageSize) - 1) / int64(n.PageSize))
	}
	return PageInfo{
		Page:    n.Page,
		PerPage: n.PageSize,
		Total:   total,
		Pages:   pages,
	}
}
