package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds keyset pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Cursor string
}

// FromContext extracts pagination parameters from the echo context.
// The limit is clamped to [1, MaxLimit] and defaults to DefaultLimit.
func FromContext(c echo.Context) Params {
	return Params{
		Limit:  ClampLimit(atoi(c.QueryParam("limit"))),
		Cursor: c.QueryParam("cursor"),
	}
}

// ClampLimit applies the default and maximum page size to n.
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Response wraps a paginated API response.
type Response struct {
	Data       interface{} `json:"data"`
	Limit      int         `json:"limit"`
	NextCursor string      `json:"next_cursor,omitempty"`
	HasMore    bool        `json:"has_more"`
}

func NewResponse(data interface{}, limit int, nextCursor string) *Response {
	return &Response{
		Data:       data,
		Limit:      limit,
		NextCursor: nextCursor,
		HasMore:    nextCursor != "",
	}
}
