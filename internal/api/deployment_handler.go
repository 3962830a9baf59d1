package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
)

// Resolver answers which deployment serves a content model and service
// definition.
type Resolver interface {
	Resolve(contentModel, serviceDefinition string) (string, bool)
}

// BindingLister lists the contexts a deployment is bound to.
type BindingLister interface {
	Bindings(deploymentID string) []objectstore.ServiceContext
}

// DeploymentHandler serves read-only deployment lookups
type DeploymentHandler struct {
	resolver Resolver
	bindings BindingLister
}

// NewDeploymentHandler creates a new deployment handler
func NewDeploymentHandler(resolver Resolver, bindings BindingLister) *DeploymentHandler {
	return &DeploymentHandler{
		resolver: resolver,
		bindings: bindings,
	}
}

// Routes returns the routes for deployments
func (h *DeploymentHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/resolve", h.Resolve)
	r.Get("/{pid}/contexts", h.Contexts)

	return r
}

// ResolveResponse is the response body for a resolved deployment
type ResolveResponse struct {
	ContentModel      string `json:"content_model"`
	ServiceDefinition string `json:"service_definition"`
	DeploymentID      string `json:"deployment_id"`
}

// ContextResponse is one service context of a deployment
type ContextResponse struct {
	ContentModel      string `json:"content_model"`
	ServiceDefinition string `json:"service_definition"`
}

// Resolve looks up the deployment for ?cmodel=&sdef=
func (h *DeploymentHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	cm := r.URL.Query().Get("cmodel")
	sdef := r.URL.Query().Get("sdef")
	if cm == "" || sdef == "" {
		writeError(w, r, http.StatusBadRequest, "cmodel and sdef are required")
		return
	}
	for _, pid := range []string{cm, sdef} {
		if err := objectstore.ValidatePID(pid); err != nil {
			writeError(w, r, StatusFor(err), err.Error())
			return
		}
	}

	id, ok := h.resolver.Resolve(cm, sdef)
	if !ok {
		writeError(w, r, http.StatusNotFound, "no deployment bound")
		return
	}
	render.JSON(w, r, ResolveResponse{ContentModel: cm, ServiceDefinition: sdef, DeploymentID: id})
}

// Contexts lists the contexts a deployment serves
func (h *DeploymentHandler) Contexts(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "pid")
	if err := objectstore.ValidatePID(pid); err != nil {
		writeError(w, r, StatusFor(err), err.Error())
		return
	}

	resp := []ContextResponse{}
	for _, sc := range h.bindings.Bindings(pid) {
		resp = append(resp, ContextResponse{ContentModel: sc.ContentModel, ServiceDefinition: sc.ServiceDefinition})
	}
	render.JSON(w, r, resp)
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: msg})
}

// StatusFor maps an error kind to an HTTP status code.
func StatusFor(err error) int {
	switch objectstore.KindOf(err) {
	case objectstore.KindNotFound:
		return http.StatusNotFound
	case objectstore.KindAlreadyExists, objectstore.KindLocked:
		return http.StatusConflict
	case objectstore.KindInvalidState, objectstore.KindValidation:
		return http.StatusBadRequest
	case objectstore.KindStorageDevice:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
