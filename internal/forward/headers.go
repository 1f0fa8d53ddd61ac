package forward

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are connection-scoped and never relayed (RFC 7230 6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// clientOnlyHeaders carry the caller's proxy credential or session and must
// not reach the upstream.
var clientOnlyHeaders = []string{
	"Host",
	"Authorization",
	"X-Api-Key",
	"Cookie",
	"Content-Length",
}

// removeHopByHop deletes hop-by-hop headers, including any named in Connection.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// outboundHeaders builds the upstream request headers from the caller's.
func (e *Engine) outboundHeaders(req OutboundRequest) http.Header {
	h := req.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	removeHopByHop(h)
	for _, name := range clientOnlyHeaders {
		h.Del(name)
	}

	for k, v := range e.cfg.Headers {
		if h.Get(k) == "" {
			h.Set(k, v)
		}
	}

	if e.cfg.APIKey != "" {
		if strings.EqualFold(e.cfg.AuthHeader, "authorization") || e.cfg.AuthHeader == "" {
			h.Set("Authorization", "Bearer "+e.cfg.APIKey)
		} else {
			h.Set(e.cfg.AuthHeader, e.cfg.APIKey)
		}
	}

	if req.ClientIP != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+req.ClientIP)
		} else {
			h.Set("X-Forwarded-For", req.ClientIP)
		}
		h.Set("X-Real-IP", req.ClientIP)
	}
	if req.Scheme != "" {
		h.Set("X-Forwarded-Proto", req.Scheme)
	}
	if req.RequestID != "" {
		h.Set("X-Request-ID", req.RequestID)
	}
	return h
}

// ResponseHeaders filters upstream response headers for relay to the caller.
// Content-Length is dropped because the body is streamed.
func ResponseHeaders(upstream http.Header) http.Header {
	h := upstream.Clone()
	if h == nil {
		return make(http.Header)
	}
	removeHopByHop(h)
	h.Del("Content-Length")
	return h
}
