package httpapi

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"policy-engine/internal/engine"
	"policy-engine/internal/metrics"
	"policy-engine/internal/middleware"
	"policy-engine/internal/policy"
	"policy-engine/internal/realtime"
	"policy-engine/internal/schema"
	"policy-engine/internal/spatial"
	"policy-engine/internal/store"
)

type Server struct {
	repo     *store.Repo
	registry *schema.Registry
	resolver *spatial.Resolver
	engine   *engine.Engine
	hub      *realtime.Hub
	pubKey   *rsa.PublicKey
}

func New(repo *store.Repo, registry *schema.Registry, resolver *spatial.Resolver, eng *engine.Engine, hub *realtime.Hub, pubKey *rsa.PublicKey) *Server {
	return &Server{repo: repo, registry: registry, resolver: resolver, engine: eng, hub: hub, pubKey: pubKey}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// NOTE: WebSocket routes are authenticated at the API gateway.
	// The gateway's WS reverse proxy does not forward Authorization/Cookies
	// to upstream, so the events handler must not require JWT.
	if s.hub != nil {
		r.Get("/api/policy/events/ws", s.hub.ServeHTTP)
	}

	r.Route("/api/policy", func(r chi.Router) {
		if s.pubKey == nil {
			r.Use(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					writeError(w, http.StatusInternalServerError, "jwt public key not configured")
				})
			})
			return
		}
		r.Use(middleware.JWTAuthMiddlewareRS256(s.pubKey))
		r.Use(middleware.RoleAtLeastMiddleware("manager"))

		r.Get("/catalog/types", s.handleListDeviceTypes)
		r.Get("/catalog/models", s.handleListDeviceModels)
		r.Get("/catalog/models/{id}/features", s.handleListModelFeatures)

		r.Get("/spatial/nodes", s.handleListSpatialNodes)
		r.Get("/occupant-categories", s.handleListOccupantCategories)

		r.Get("/templates", s.handleListTemplates)
		r.Route("/templates/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTemplate)
			r.Post("/materialize", s.handleMaterialize)
			// Template authoring is a platform concern.
			r.With(middleware.RoleAtLeastMiddleware("admin")).Put("/", s.handleUpdateTemplate)
			r.With(middleware.RoleAtLeastMiddleware("admin")).Post("/publish", s.handlePublishTemplate)
			r.With(middleware.RoleAtLeastMiddleware("admin")).Delete("/", s.handleDeleteTemplate)
		})
		r.With(middleware.RoleAtLeastMiddleware("admin")).Post("/templates", s.handleCreateTemplate)

		r.Get("/instances", s.handleListInstances)
		r.Post("/instances", s.handleCreateInstance)
		r.Route("/instances/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetInstance)
			r.Put("/", s.handleUpdateInstance)
			r.Delete("/", s.handleDeleteInstance)
			r.Post("/activate", s.handleSetInstanceStatus("active"))
			r.Post("/deactivate", s.handleSetInstanceStatus("inactive"))
			r.Get("/quota", s.handleListQuota)
			r.Post("/simulate", s.handleSimulate)
		})
	})

	return r
}

// --- Catalog ---

func (s *Server) handleListDeviceTypes(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListDeviceTypes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list device types")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"types": rows})
}

func (s *Server) handleListDeviceModels(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListDeviceModels(r.Context(), strings.TrimSpace(r.URL.Query().Get("type_id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list device models")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": rows})
}

func (s *Server) handleListModelFeatures(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListModelFeatures(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list features")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"features": rows})
}

// --- Spatial hierarchy ---

func (s *Server) handleListSpatialNodes(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListSpatialNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list spatial nodes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": rows})
}

func (s *Server) handleListOccupantCategories(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListOccupantCategories(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list occupant categories")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": rows})
}

// --- Templates ---

type definitionPayload struct {
	Kind        string          `json:"kind"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Rules       []policy.Rule   `json:"rules"`
	Actions     []policy.Action `json:"actions"`
	Scope       policy.Scope    `json:"scope"`
	AlarmType   string          `json:"alarm_type"`
	AlarmLevel  string          `json:"alarm_level"`
}

func (p *definitionPayload) definition() policy.Definition {
	return policy.Definition{
		Kind:       policy.Kind(p.Kind),
		Rules:      p.Rules,
		Actions:    p.Actions,
		Scope:      p.Scope,
		AlarmType:  p.AlarmType,
		AlarmLevel: p.AlarmLevel,
	}
}

// assignIDs gives fresh ids to rules and actions authored without one.
func assignIDs(def *policy.Definition) {
	for i := range def.Rules {
		if strings.TrimSpace(def.Rules[i].ID) == "" {
			def.Rules[i].ID = uuid.NewString()
		}
	}
	for i := range def.Actions {
		if strings.TrimSpace(def.Actions[i].ID) == "" {
			def.Actions[i].ID = uuid.NewString()
		}
	}
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListTemplates(r.Context(), strings.TrimSpace(r.URL.Query().Get("kind")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list templates")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": rows})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	t, err := s.repo.GetTemplate(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	// Informational only: instances are value snapshots of the template.
	n, err := s.repo.CountInstancesFromTemplate(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count instances")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"template": t, "instance_count": n})
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var p definitionPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	def := p.definition()
	assignIDs(&def)
	if err := policy.Validate(def, s.registry.Resolve); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	row, err := s.templateRow(def, name, p.Description)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode template")
		return
	}
	if claims := middleware.GetClaims(r); claims != nil {
		row.CreatedBy = claims.Subject
	}
	if err := s.repo.CreateTemplate(r.Context(), row); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create template")
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) templateRow(def policy.Definition, name, description string) (*store.PolicyTemplate, error) {
	rules, err := json.Marshal(def.Rules)
	if err != nil {
		return nil, err
	}
	actions, err := json.Marshal(def.Actions)
	if err != nil {
		return nil, err
	}
	scope, err := json.Marshal(def.Scope)
	if err != nil {
		return nil, err
	}
	return &store.PolicyTemplate{
		Kind:        string(def.Kind),
		Name:        name,
		Description: description,
		Rules:       datatypes.JSON(rules),
		Actions:     datatypes.JSON(actions),
		Scope:       datatypes.JSON(scope),
		AlarmType:   def.AlarmType,
		AlarmLevel:  def.AlarmLevel,
	}, nil
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	t, err := s.repo.GetTemplate(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	var p definitionPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	def := p.definition()
	assignIDs(&def)
	if err := policy.Validate(def, s.registry.Resolve); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	row, err := s.templateRow(def, strings.TrimSpace(p.Name), p.Description)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode template")
		return
	}
	if row.Name == "" {
		row.Name = t.Name
	}
	t.Kind = row.Kind
	t.Name = row.Name
	t.Description = row.Description
	t.Rules = row.Rules
	t.Actions = row.Actions
	t.Scope = row.Scope
	t.AlarmType = row.AlarmType
	t.AlarmLevel = row.AlarmLevel
	if err := s.repo.UpdateTemplate(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update template")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePublishTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	t, err := s.repo.GetTemplate(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	def, err := t.Definition()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stored template is invalid")
		return
	}
	if err := policy.Validate(def, s.registry.Resolve); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.repo.SetTemplateStatus(r.Context(), id, "published"); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to publish template")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "published"})
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	if err := s.repo.DeleteTemplate(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete template")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

type materializePayload struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

func (s *Server) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	var p materializePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	projectID := strings.TrimSpace(p.ProjectID)
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	createdBy := ""
	if claims := middleware.GetClaims(r); claims != nil {
		createdBy = claims.Subject
	}
	inst, err := s.repo.MaterializeInstance(r.Context(), id, projectID, strings.TrimSpace(p.Name), createdBy)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTemplateNotPublished):
			writeError(w, http.StatusConflict, "template is not published")
		case errors.Is(err, gorm.ErrRecordNotFound):
			writeError(w, http.StatusNotFound, "template not found")
		default:
			writeError(w, http.StatusInternalServerError, "failed to materialize instance")
		}
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// --- Instances ---

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListInstances(r.Context(),
		strings.TrimSpace(r.URL.Query().Get("project_id")),
		strings.TrimSpace(r.URL.Query().Get("kind")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list instances")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": rows})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	inst, err := s.repo.GetInstance(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

type instancePayload struct {
	definitionPayload
	ProjectID string `json:"project_id"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var p instancePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	projectID := strings.TrimSpace(p.ProjectID)
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	def := p.definition()
	assignIDs(&def)
	if err := policy.Validate(def, s.registry.Resolve); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	row, err := s.templateRow(def, name, p.Description)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode instance")
		return
	}
	inst := &store.PolicyInstance{
		ProjectID:   projectID,
		Kind:        row.Kind,
		Name:        row.Name,
		Description: row.Description,
		Rules:       row.Rules,
		Actions:     row.Actions,
		Scope:       row.Scope,
		AlarmType:   row.AlarmType,
		AlarmLevel:  row.AlarmLevel,
	}
	if claims := middleware.GetClaims(r); claims != nil {
		inst.CreatedBy = claims.Subject
	}
	if err := s.repo.CreateInstance(r.Context(), inst); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create instance")
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	inst, err := s.repo.GetInstance(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	var p instancePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	def := p.definition()
	assignIDs(&def)
	if inst.Status == "active" {
		err = policy.ValidateForActivation(def, s.registry.Resolve)
	} else {
		err = policy.Validate(def, s.registry.Resolve)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	row, err := s.templateRow(def, strings.TrimSpace(p.Name), p.Description)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode instance")
		return
	}
	if row.Name != "" {
		inst.Name = row.Name
	}
	inst.Kind = row.Kind
	inst.Description = row.Description
	inst.Rules = row.Rules
	inst.Actions = row.Actions
	inst.Scope = row.Scope
	inst.AlarmType = row.AlarmType
	inst.AlarmLevel = row.AlarmLevel
	if err := s.repo.UpdateInstance(r.Context(), inst); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update instance")
		return
	}
	_ = s.engine.ReloadNow(r.Context())
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	if err := s.repo.DeleteInstance(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrInstanceActive):
			writeError(w, http.StatusConflict, "deactivate the instance before deleting it")
		case errors.Is(err, gorm.ErrRecordNotFound):
			writeError(w, http.StatusNotFound, "instance not found")
		default:
			writeError(w, http.StatusInternalServerError, "failed to delete instance")
		}
		return
	}
	_ = s.engine.ReloadNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleSetInstanceStatus(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid instance id")
			return
		}
		if status == "active" {
			inst, err := s.repo.GetInstance(r.Context(), id)
			if err != nil {
				writeError(w, http.StatusNotFound, "instance not found")
				return
			}
			def, err := inst.Definition()
			if err != nil {
				writeError(w, http.StatusInternalServerError, "stored instance is invalid")
				return
			}
			if err := policy.ValidateForActivation(def, s.registry.Resolve); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		if err := s.repo.SetInstanceStatus(r.Context(), id, status); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update instance")
			return
		}
		_ = s.engine.ReloadNow(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"status": status})
	}
}

// --- Quota and simulation ---

func (s *Server) handleListQuota(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	rows, err := s.repo.ListQuotaStates(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list quota state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quota": rows})
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	var sample engine.Sample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := s.engine.Simulate(r.Context(), id, sample)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "instance not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
