package proxy

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/MrSnakeDoc/quay/internal/logger"
	"github.com/MrSnakeDoc/quay/internal/routetable"
)

// Handler dispatches every inbound request by virtual host: dashboard
// requests are handed off, known hosts are streamed to their backend, the
// rest get a plain-text error. Backend failures stay local to the single
// request; they never feed back into service lifecycle state.
type Handler struct {
	routes *routetable.Table
	dash   http.Handler // nil when the dashboard is disabled
	log    logger.Logger

	transport http.RoundTripper

	mu       sync.Mutex
	backends map[string]*httputil.ReverseProxy // keyed by backend addr
}

// HandlerOptions configures the dispatcher.
type HandlerOptions struct {
	Routes         *routetable.Table
	Dashboard      http.Handler
	Log            logger.Logger
	ConnectTimeout time.Duration // dial budget before a 502
	// HeaderTimeout bounds the wait for a backend's response headers. It
	// does not limit the body, so long-lived streams stay open; without it
	// a backend that accepts connections but never answers would hold the
	// proxied request forever.
	HeaderTimeout time.Duration
}

func NewHandler(opts HandlerOptions) *Handler {
	if opts.Log == nil {
		opts.Log = logger.NewNop()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.HeaderTimeout <= 0 {
		opts.HeaderTimeout = 30 * time.Second
	}
	return &Handler{
		routes: opts.Routes,
		dash:   opts.Dashboard,
		log:    opts.Log,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   opts.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: opts.HeaderTimeout,
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
		},
		backends: make(map[string]*httputil.ReverseProxy),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := routetable.Normalize(r.Host)
	if host == "" {
		http.Error(w, "400 - missing or unparseable Host header", http.StatusBadRequest)
		return
	}

	tgt, ok := h.routes.Lookup(host)
	if !ok {
		http.Error(w, "404 - host not known", http.StatusNotFound)
		return
	}

	if tgt.Dashboard {
		if h.dash == nil {
			http.Error(w, "404 - host not known", http.StatusNotFound)
			return
		}
		h.dash.ServeHTTP(w, r)
		return
	}

	h.backend(tgt.Addr).ServeHTTP(w, r)
}

// backend returns the reverse proxy for one backend address, creating it on
// first use. All proxies share one transport, so connection reuse and dial
// timeouts are uniform.
func (h *Handler) backend(addr string) *httputil.ReverseProxy {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rp, ok := h.backends[addr]; ok {
		return rp
	}

	target := &url.URL{Scheme: "http", Host: addr}
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = pr.In.Host // backend sees the original virtual host
			pr.SetXForwarded()
		},
		Transport:     h.transport,
		FlushInterval: -1, // stream responses as they arrive
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.log.Warn("backend unreachable",
				logger.String("host", r.Host),
				logger.String("backend", addr),
				logger.Error(err))
			http.Error(w, "502 - backend unavailable", http.StatusBadGateway)
		},
	}
	h.backends[addr] = rp
	return rp
}
