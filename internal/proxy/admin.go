package proxy

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-proxy/internal/engine"
	"github.com/iTrooz/offline-proxy/internal/policy"
)

type statusResponse struct {
	State             string   `json:"state"`
	StaticGeneration  string   `json:"static_generation"`
	RuntimeGeneration string   `json:"runtime_generation"`
	Generations       []string `json:"generations"`
}

// adminRouter serves requests addressed to the proxy itself rather than
// proxied through it
func (s *Server) adminRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", s.handleStatus)
	r.Get("/generations", s.handleGenerations)
	r.Get("/generations/{name}/keys", s.handleKeys)
	r.Delete("/generations/{name}/entries", s.handleDeleteEntry)
	r.Post("/lifecycle/install", s.handleInstall)
	r.Post("/lifecycle/activate", s.handleActivate)
	r.Get("/classify", s.handleClassify)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Failed to write admin response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(errors.GetCode(err)), errors.ToJSON(err))
}

func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeInvalidInput:
		return http.StatusBadRequest
	case engine.CodeNotInstalled:
		return http.StatusConflict
	case engine.CodeInstallFailed, errors.CodeNetwork, errors.CodeTimeout, errors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) status() (*statusResponse, error) {
	names, err := s.engine.Store().GenerationNames()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "failed to list generations")
	}
	static, runtime := s.engine.Generations()
	return &statusResponse{
		State:             s.engine.State().String(),
		StaticGeneration:  static,
		RuntimeGeneration: runtime,
		Generations:       names,
	}, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	names, err := s.engine.Store().GenerationNames()
	if err != nil {
		writeError(w, errors.Wrap(err, errors.CodeDatabase, "failed to list generations"))
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	names, err := s.engine.Store().GenerationNames()
	if err != nil {
		writeError(w, errors.Wrap(err, errors.CodeDatabase, "failed to list generations"))
		return
	}
	if !slices.Contains(names, name) {
		writeError(w, errors.Newf(errors.CodeNotFound, "generation %s does not exist", name))
		return
	}

	gen, err := s.engine.Store().Generation(name)
	if err != nil {
		writeError(w, errors.Wrap(err, errors.CodeInvalidInput, "invalid generation"))
		return
	}
	keys, err := gen.Keys()
	if err != nil {
		writeError(w, errors.Wrap(err, errors.CodeDatabase, "failed to list keys"))
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, errors.New(errors.CodeInvalidInput, "missing key parameter"))
		return
	}

	gen, err := s.engine.Store().Generation(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, errors.Wrap(err, errors.CodeInvalidInput, "invalid generation"))
		return
	}
	if err := gen.Delete(key); err != nil {
		writeError(w, errors.Wrap(err, errors.CodeDatabase, "failed to delete entry"))
		return
	}
	logrus.Infof("Deleted %s from %s", key, gen.Name())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Install(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Activate(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	method := q.Get("method")
	if method == "" {
		method = http.MethodGet
	}

	req, err := policy.NewRequest(method, q.Get("url"), policy.KindFromFetchDest(q.Get("kind")))
	if err != nil {
		writeError(w, errors.Wrap(err, errors.CodeInvalidInput, "invalid url"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"request":   req.String(),
		"treatment": s.engine.Classifier().Classify(req).String(),
	})
}
