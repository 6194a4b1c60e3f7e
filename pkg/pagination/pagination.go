package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit/offset query parameters. A page parameter, when
// given, overrides offset.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if page, err := strconv.Atoi(c.QueryParam("page")); err == nil && page > 0 {
		offset = (page - 1) * limit
	}
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
	Next    string      `json:"next,omitempty"`
}

func NewResponse(data interface{}, total int, p Params) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
}

// WithNext sets the next-page link relative to path, keeping other query
// parameters of q.
func (r *Response) WithNext(path string, q url.Values) *Response {
	if !r.HasMore {
		return r
	}
	next := url.Values{}
	for k, v := range q {
		if k == "page" || k == "offset" || k == "limit" {
			continue
		}
		next[k] = v
	}
	next.Set("limit", strconv.Itoa(r.Limit))
	next.Set("offset", strconv.Itoa(r.Offset+r.Limit))
	r.Next = path + "?" + next.Encode()
	return r
}

func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}
