package procman

import (
	"encoding/json"
	"net/http"
	"strconv"

	gmux "github.com/gorilla/mux"
)

// APIRouter is the HTTP admin surface over a Manager: read-only
// process inspection plus kill, and the execution history when a
// journal is configured.
type APIRouter struct {
	*gmux.Router
	manager *Manager
}

func APIRouterOf(manager *Manager) *APIRouter {
	ret := &APIRouter{
		manager: manager,
	}
	ret.registerMux()
	return ret
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (ar *APIRouter) registerMux() {
	ar.Router = gmux.NewRouter()
	ar.HandleFunc("/admin/processes", ar.listProcessesHlr).Methods("GET")
	ar.HandleFunc("/admin/processes/{pid}", ar.getProcessHlr).Methods("GET")
	ar.HandleFunc("/admin/processes/{pid}", ar.killProcessHlr).Methods("DELETE")
	ar.HandleFunc("/admin/processes/{pid}/output", ar.readOutputHlr).Methods("GET")
	ar.HandleFunc("/admin/history", ar.historyHlr).Methods("GET")
	ar.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET,DELETE,OPTIONS")
	})
	ar.Use(corsMiddleware)
}

func (ar *APIRouter) listProcessesHlr(w http.ResponseWriter, r *http.Request) {
	includeDead := r.URL.Query().Get("include_dead") == "true"
	writeJSON(w, ar.manager.List(includeDead))
}

func (ar *APIRouter) getProcessHlr(w http.ResponseWriter, r *http.Request) {
	p, ok := ar.processOf(w, r)
	if !ok {
		return
	}
	writeJSON(w, p.Status())
}

func (ar *APIRouter) killProcessHlr(w http.ResponseWriter, r *http.Request) {
	p, ok := ar.processOf(w, r)
	if !ok {
		return
	}
	if err := p.Signal(r.URL.Query().Get("signal")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (ar *APIRouter) readOutputHlr(w http.ResponseWriter, r *http.Request) {
	p, ok := ar.processOf(w, r)
	if !ok {
		return
	}
	start, _ := strconv.Atoi(r.URL.Query().Get("start"))
	end, _ := strconv.Atoi(r.URL.Query().Get("end"))
	out, err := ar.manager.ReadPlainOutput(p.PID(), start, end)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, out)
}

func (ar *APIRouter) historyHlr(w http.ResponseWriter, r *http.Request) {
	if ar.manager.config.Journal == nil {
		http.Error(w, "no journal configured", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := ar.manager.config.Journal.History(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func (ar *APIRouter) processOf(w http.ResponseWriter, r *http.Request) (*Process, bool) {
	pid, err := strconv.Atoi(gmux.Vars(r)["pid"])
	if err != nil {
		http.Error(w, "pid must be an integer", http.StatusBadRequest)
		return nil, false
	}
	p, err := ar.manager.Get(pid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return p, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	resp, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(resp)
}
