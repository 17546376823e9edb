package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// ActorHeader carries the identity of the operator behind a request. It is
// authenticated upstream; this service only records it.
const ActorHeader = "X-Actor-ID"

// Actor copies the actor header into the echo context under "actor".
func Actor() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if a := strings.TrimSpace(c.Request().Header.Get(ActorHeader)); a != "" {
				c.Set("actor", a)
			}
			return next(c)
		}
	}
}

// ActorFromContext returns the request's actor or "" when none was sent.
func ActorFromContext(c echo.Context) string {
	a, _ := c.Get("actor").(string)
	return a
}
