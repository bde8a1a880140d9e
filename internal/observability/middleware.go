package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	routeGroupKey = "observability.group"

	unmatchedRoute = "unmatched"
	noGroup        = "none"
)

// RouteGroup tags every request handled by a gin group with name.
// HTTPObserver reports the tag as the group of the request.
func RouteGroup(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(routeGroupKey, name)
		c.Next()
	}
}

// HTTPObserver logs and counts admin requests by route group and route
// template. Requests that match no route share one label.
func HTTPObserver(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		group := c.GetString(routeGroupKey)
		if group == "" {
			group = noGroup
		}
		RecordHTTPRequest(group, c.Request.Method, route, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case group == "public":
			// liveness and readiness probes
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		if adapter := c.Param("name"); adapter != "" {
			event = event.Str("adapter", adapter)
		}
		event.
			Str("group", group).
			Str("route", route).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", elapsed).
			Str("client_ip", c.ClientIP()).
			Msgf("observability.HTTPObserver %s %s", c.Request.Method, route)
	}
}
