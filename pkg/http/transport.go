package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/kolonialno/sacar/pkg/coordinator"
	"github.com/kolonialno/sacar/pkg/release"
)

// NewAPIRouter defines the coordinator's routes by name. Both the
// server and the client construct URLs from these, so they cannot
// drift apart.
func NewAPIRouter() *mux.Router {
	r := mux.NewRouter()

	r.NewRoute().Name(Ping).Methods("GET").Path("/v1/ping")
	r.NewRoute().Name(Version).Methods("GET").Path("/v1/version")

	r.NewRoute().Name(TriggerPush).Methods("POST").Path("/v1/push")
	r.NewRoute().Name(BuildReady).Methods("POST").Path("/v1/build-ready")
	r.NewRoute().Name(DeployRelease).Methods("POST").Path("/v1/deploy").Queries("id", "{id}")

	r.NewRoute().Name(GetRelease).Methods("GET").Path("/v1/release").Queries("id", "{id}")
	r.NewRoute().Name(ListReleases).Methods("GET").Path("/v1/releases")

	return r
}

// MakeURL resolves a named route against an endpoint, with query
// parameters given as alternating key/value strings.
func MakeURL(endpoint string, router *mux.Router, routeName string, urlParams ...string) (*url.URL, error) {
	if len(urlParams)%2 != 0 {
		panic("urlParams must be even!")
	}

	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing endpoint %s", endpoint)
	}
	route := router.Get(routeName)
	if route == nil {
		return nil, errors.New("no route with name " + routeName)
	}
	routeURL, err := route.URLPath()
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving route path %s", routeName)
	}

	v := url.Values{}
	for i := 0; i < len(urlParams); i += 2 {
		v.Add(urlParams[i], urlParams[i+1])
	}

	endpointURL.Path = path.Join(endpointURL.Path, routeURL.Path)
	endpointURL.RawQuery = v.Encode()
	return endpointURL, nil
}

// WriteError sends err with the given status. Clients accepting JSON
// get the structured error; everyone else gets the help text when
// there is one, since that is what a human at a terminal wants.
func WriteError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if len(r.Header.Get("Accept")) > 0 {
		switch negotiateContentType(r, []string{"application/json", "text/plain"}) {
		case "application/json":
			body, encodeErr := json.Marshal(errorBody(err))
			if encodeErr != nil {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, "Error encoding error response: %s\n\nOriginal error: %s", encodeErr.Error(), err.Error())
				return
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(code)
			w.Write(body)
			return
		case "text/plain":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(code)
			switch err := err.(type) {
			case *release.Error:
				fmt.Fprint(w, err.Help)
			default:
				fmt.Fprint(w, err.Error())
			}
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprint(w, err.Error())
}

// APIError is the JSON error envelope.
type APIError struct {
	Kind    release.Kind `json:"kind,omitempty"`
	Message string       `json:"message"`
	Help    string       `json:"help,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

func errorBody(err error) *APIError {
	if typed, ok := errors.Cause(err).(*release.Error); ok {
		return &APIError{Kind: typed.Kind, Message: err.Error(), Help: typed.Help}
	}
	return &APIError{Message: err.Error()}
}

func JSONResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	body, err := json.Marshal(result)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// ErrorResponse maps a server error to an HTTP status: unknown releases
// are 404, phase conflicts 422, store outages 503, everything else 500.
func ErrorResponse(w http.ResponseWriter, r *http.Request, apiError error) {
	code := http.StatusInternalServerError
	switch errors.Cause(apiError) {
	case coordinator.ErrUnknownRelease:
		code = http.StatusNotFound
	case coordinator.ErrBadPhase:
		code = http.StatusUnprocessableEntity
	}
	if release.KindOf(apiError) == release.KindStoreUnavailable {
		code = http.StatusServiceUnavailable
	}
	WriteError(w, r, code, apiError)
}
