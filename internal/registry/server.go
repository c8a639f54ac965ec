package registry

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/wudi/fabric/internal/accesscontrol"
	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/events"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/route"
	"go.uber.org/zap"
)

// EventSink receives change notifications after mutations. Route changes are
// debounced per service; client-access changes publish immediately.
type EventSink interface {
	ScheduleEvent(service string)
	SendEvent(eventType string, services, routes []string) error
}

// Server is the registry HTTP API.
type Server struct {
	store  Store
	sink   EventSink
	router *httprouter.Router
	logger *zap.Logger
}

// NewServer wires the REST API onto a store. sink may be nil when event
// publication is disabled.
func NewServer(store Store, sink EventSink) *Server {
	s := &Server{
		store:  store,
		sink:   sink,
		router: httprouter.New(),
		logger: logging.Named("registry"),
	}

	s.router.GET("/api/v1/routes", s.listRoutes)
	s.router.POST("/api/v1/routes", s.createRoute)
	s.router.GET("/api/v1/routes/:name", s.getRoute)
	s.router.DELETE("/api/v1/routes/:name", s.deleteRoute)

	s.router.GET("/v1/config/client-access-control", s.listClients)
	s.router.POST("/v1/config/client-access-control", s.createClients)
	s.router.GET("/v1/config/client-access-control/:clientId", s.getClient)
	s.router.PUT("/v1/config/client-access-control/:clientId", s.putClient)
	s.router.DELETE("/v1/config/client-access-control/:clientId", s.deleteClient)

	s.router.GET("/v1/health", s.health)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) listRoutes(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.store.ListRoutes())
}

func (s *Server) createRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var def route.RouteDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		errors.ErrBadRequest.WithMessage("invalid route definition: " + err.Error()).WriteJSON(w)
		return
	}
	if def.ID == "" || def.URI == "" {
		errors.ErrBadRequest.WithMessage("route id and uri are required").WriteJSON(w)
		return
	}
	if def.PathPattern() == "" {
		errors.ErrBadRequest.WithMessage("route requires a Path predicate").WriteJSON(w)
		return
	}

	s.store.PutRoute(def)
	s.logger.Info("route stored",
		zap.String("route", def.ID), zap.String("service", def.Service))
	if s.sink != nil {
		s.sink.ScheduleEvent(def.Service)
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) getRoute(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	def, ok := s.store.GetRoute(ps.ByName("name"))
	if !ok {
		errors.ErrRouteNotFound.WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) deleteRoute(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	def, ok := s.store.GetRoute(name)
	if !ok {
		errors.ErrRouteNotFound.WriteJSON(w)
		return
	}
	s.store.DeleteRoute(name)
	s.logger.Info("route deleted", zap.String("route", name))
	if s.sink != nil {
		s.sink.ScheduleEvent(def.Service)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listClients(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	includeInactive := r.URL.Query().Get("includeInactive") == "true"
	writeJSON(w, http.StatusOK, s.store.ListClients(includeInactive))
}

func (s *Server) createClients(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var recs []accesscontrol.ClientRecord
	if err := json.NewDecoder(r.Body).Decode(&recs); err != nil {
		errors.ErrBadRequest.WithMessage("invalid client configs: " + err.Error()).WriteJSON(w)
		return
	}
	created := make([]string, 0, len(recs))
	for _, rec := range recs {
		if rec.ClientID == "" {
			errors.ErrBadRequest.WithMessage("clientId is required").WriteJSON(w)
			return
		}
		created = append(created, rec.ClientID)
	}
	for _, rec := range recs {
		s.store.PutClient(rec)
	}
	s.notifyClientChange()
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "client access configs created",
		"created": created,
	})
}

func (s *Server) getClient(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	rec, ok := s.store.GetClient(ps.ByName("clientId"))
	if !ok {
		errors.ErrClientNotFound.WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) putClient(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var rec accesscontrol.ClientRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		errors.ErrBadRequest.WithMessage("invalid client config: " + err.Error()).WriteJSON(w)
		return
	}
	rec.ClientID = ps.ByName("clientId")
	s.store.PutClient(rec)
	s.notifyClientChange()
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteClient(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	if !s.store.DeleteClient(ps.ByName("clientId")) {
		errors.ErrClientNotFound.WriteJSON(w)
		return
	}
	s.notifyClientChange()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) notifyClientChange() {
	if s.sink == nil {
		return
	}
	if err := s.sink.SendEvent(events.TypeClientAccessControlUpdate, nil, nil); err != nil {
		s.logger.Warn("client access change event failed", zap.Error(err))
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}
