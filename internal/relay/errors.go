package relay

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"tokenrelay/internal/core"
	"tokenrelay/internal/forward"
)

// WriteError renders err as the relay's JSON error envelope. upstream_rejected
// errors are passed through with the upstream's own status, headers and body.
func WriteError(c echo.Context, err error) error {
	if c.Response().Committed {
		return nil
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return writeHTTPError(c, he)
	}
	if errors.Is(err, context.Canceled) {
		c.Response().Header().Set(core.ErrorCodeHeader, core.CodeClientClosed)
		return c.NoContent(core.StatusClientClosedRequest)
	}

	re := core.AsRelayError(err)
	if re.Kind == core.ErrorKindUpstreamRejected {
		return writePassthrough(c, re)
	}

	h := c.Response().Header()
	h.Set(core.ErrorCodeHeader, re.Code())
	if ra := re.RetryAfterHeader(); ra != "" {
		h.Set("Retry-After", ra)
	}
	return c.JSON(re.HTTPStatusCode(), re.ToJSON())
}

func writePassthrough(c echo.Context, re *core.RelayError) error {
	h := c.Response().Header()
	for k, vs := range forward.ResponseHeaders(re.UpstreamHeader) {
		h[k] = vs
	}
	h.Set(core.ErrorCodeHeader, re.Code())
	c.Response().WriteHeader(re.HTTPStatusCode())
	_, err := c.Response().Write(re.UpstreamBody)
	return err
}

// writeHTTPError maps echo's own errors (404 routing, body limit, etc.) onto
// the same envelope.
func writeHTTPError(c echo.Context, he *echo.HTTPError) error {
	code := httpErrorCode(he.Code)
	msg := http.StatusText(he.Code)
	if s, ok := he.Message.(string); ok && s != "" {
		msg = s
	}
	c.Response().Header().Set(core.ErrorCodeHeader, code)
	return c.JSON(he.Code, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    code,
			"code":    code,
			"message": msg,
		},
	})
}

func httpErrorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusUnauthorized:
		return string(core.ErrorKindUnauthenticated)
	}
	return "http_error"
}
