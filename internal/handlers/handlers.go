package handlers

import (
	"net/http"

	"github.com/kyxap1/geoecho/internal/edge"
	"github.com/kyxap1/geoecho/internal/types"

	"github.com/gorilla/mux"
)

// Fixed header sets. Every response carries an unrestricted origin-allow
// header regardless of path.
var (
	preflightHeaders = map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type",
	}

	recordHeaders = map[string]string{
		"Content-Type":                "application/json",
		"Access-Control-Allow-Origin": "*",
	}
)

// EchoHandler answers every request with the caller's GeoRecord. It keeps no
// state between requests and has no side effects.
type EchoHandler struct {
	provider edge.Provider
	ipHeader string
}

// NewEchoHandler creates the echo handler. provider may be nil, in which case
// every geo field takes its default. ipHeader names the trusted connecting-IP
// header; empty means the transport peer address.
func NewEchoHandler(provider edge.Provider, ipHeader string) *EchoHandler {
	return &EchoHandler{
		provider: provider,
		ipHeader: ipHeader,
	}
}

func setHeaders(h http.Header, values map[string]string) {
	for key, value := range values {
		h.Set(key, value)
	}
}

// ServeHTTP implements http.Handler
func (h *EchoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		setHeaders(w.Header(), preflightHeaders)
		w.WriteHeader(http.StatusOK)
		return
	}

	ip := edge.ClientIP(r, h.ipHeader)

	var ctx *edge.Context
	if h.provider != nil {
		ctx = h.provider.Context(r, ip)
	}

	body, err := types.MarshalRecord(types.BuildRecord(ip, ctx))
	if err != nil {
		// unreachable for records built from parsed context values
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	setHeaders(w.Header(), recordHeaders)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// SetupRoutes routes every path and method to the echo handler
func (h *EchoHandler) SetupRoutes(mw *Middleware) *mux.Router {
	router := mux.NewRouter()
	// "//x" must be echoed, not redirected to "/x"
	router.SkipClean(true)

	if mw != nil {
		router.Use(mw.Metrics, mw.Recover, mw.Log)
	}
	router.PathPrefix("/").Handler(h)

	return router
}
