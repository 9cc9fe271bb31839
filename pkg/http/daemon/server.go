// Package daemon serves the coordinator API over HTTP.
package daemon

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kolonialno/sacar/pkg/api"
	transport "github.com/kolonialno/sacar/pkg/http"
	sacarmetrics "github.com/kolonialno/sacar/pkg/metrics"
	"github.com/kolonialno/sacar/pkg/release"
)

var requestDuration = promauto.NewHistogramVec(stdprometheus.HistogramOpts{
	Namespace: "sacar",
	Name:      "request_duration_seconds",
	Help:      "Time (in seconds) spent serving HTTP requests.",
	Buckets:   stdprometheus.DefBuckets,
}, []string{sacarmetrics.LabelMethod, sacarmetrics.LabelRoute, "status_code"})

func NewRouter() *mux.Router {
	r := transport.NewAPIRouter()
	// A request matching no route is a client talking some other,
	// unsupported API.
	r.NewRoute().Name("NotFound").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transport.WriteError(w, r, http.StatusNotFound, errors.Errorf("no API endpoint at %s", r.URL.Path))
	})
	return r
}

func NewHandler(s api.Server, r *mux.Router) http.Handler {
	handle := HTTPServer{s}

	r.Get(transport.Ping).HandlerFunc(handle.Ping)
	r.Get(transport.Version).HandlerFunc(handle.Version)
	r.Get(transport.TriggerPush).HandlerFunc(handle.TriggerPush)
	r.Get(transport.BuildReady).HandlerFunc(handle.BuildReady)
	r.Get(transport.DeployRelease).HandlerFunc(handle.DeployRelease)
	r.Get(transport.GetRelease).HandlerFunc(handle.GetRelease)
	r.Get(transport.ListReleases).HandlerFunc(handle.ListReleases)

	return instrument{router: r, next: r}
}

// instrument records a duration sample per request, labelled by the
// matched route name.
type instrument struct {
	router *mux.Router
	next   http.Handler
}

func (i instrument) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	begin := time.Now()
	iw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
	i.next.ServeHTTP(iw, r)

	routeName := "unmatched"
	var match mux.RouteMatch
	if i.router.Match(r, &match) && match.Route != nil {
		if name := match.Route.GetName(); name != "" {
			routeName = name
		}
	}
	requestDuration.WithLabelValues(r.Method, routeName, strconv.Itoa(iw.code)).
		Observe(time.Since(begin).Seconds())
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

type HTTPServer struct {
	server api.Server
}

func (s HTTPServer) Ping(w http.ResponseWriter, r *http.Request) {
	if err := s.server.Ping(r.Context()); err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s HTTPServer) Version(w http.ResponseWriter, r *http.Request) {
	version, err := s.server.Version(r.Context())
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, version)
}

func (s HTTPServer) TriggerPush(w http.ResponseWriter, r *http.Request) {
	var trigger api.Trigger
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&trigger); err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, err)
		return
	}
	id, err := s.server.TriggerPush(r.Context(), trigger)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, id)
}

func (s HTTPServer) BuildReady(w http.ResponseWriter, r *http.Request) {
	var build api.BuildReady
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&build); err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.server.NotifyBuildReady(r.Context(), build); err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s HTTPServer) DeployRelease(w http.ResponseWriter, r *http.Request) {
	id := release.ID(mux.Vars(r)["id"])
	if err := s.server.DeployRelease(r.Context(), id); err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s HTTPServer) GetRelease(w http.ResponseWriter, r *http.Request) {
	id := release.ID(mux.Vars(r)["id"])
	rel, err := s.server.GetRelease(r.Context(), id)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, rel)
}

func (s HTTPServer) ListReleases(w http.ResponseWriter, r *http.Request) {
	rels, err := s.server.ListReleases(r.Context())
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, rels)
}
