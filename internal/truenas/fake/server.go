/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package fake provides an in-memory TrueNAS virt/instance API for testing
package fake

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"k8s.io/apimachinery/pkg/util/sets"
)

// APIPrefix is the path the fake serves under, matching real appliances
const APIPrefix = "/api/v2.0"

// Route names used by CallCount
const (
	RouteList    = "list"
	RouteCreate  = "create"
	RouteDelete  = "delete"
	RouteStart   = "start"
	RouteStop    = "stop"
	RouteRestart = "restart"
	RouteExec    = "exec"
)

// mutatingRoutes change instance state; exec is tracked separately
var mutatingRoutes = []string{RouteCreate, RouteDelete, RouteStart, RouteStop, RouteRestart}

// ExecFailure selects a simulated exec endpoint failure
type ExecFailure string

const (
	ExecFailureNone      ExecFailure = ""
	ExecFailureStatus    ExecFailure = "status"
	ExecFailureMalformed ExecFailure = "malformed"
)

// Config holds fake server configuration
type Config struct {
	// APIKey, when set, is the only bearer token accepted
	APIKey string
	// PendingLookups keeps an instance in a transitional status for this many
	// list calls after a power operation.
	PendingLookups int
	// ExecFailure makes the exec endpoint fail
	ExecFailure ExecFailure
	// PowerFailure makes start, stop and restart answer 500
	PowerFailure bool
}

// Instance represents a fake instance in the server
type Instance struct {
	ID      string                       `json:"id"`
	Name    string                       `json:"name"`
	Status  string                       `json:"status"`
	Type    string                       `json:"type"`
	Source  map[string]string            `json:"-"`
	Config  map[string]string            `json:"-"`
	Devices map[string]map[string]string `json:"-"`

	// actual is the settled status; Status may lag behind it
	actual  string
	pending int
	files   sets.Set[string]
}

// Call records one request served by the fake
type Call struct {
	Route  string
	Method string
	Path   string
}

// Server represents a fake TrueNAS API server
type Server struct {
	router    *mux.Router
	instances map[string]*Instance
	order     []string
	nextID    int
	calls     []Call
	execs     [][]string
	mu        sync.Mutex
	logger    logr.Logger
	config    *Config
}

// NewServer creates a new fake TrueNAS server
func NewServer(config *Config) *Server {
	if config == nil {
		config = &Config{}
	}

	s := &Server{
		router:    mux.NewRouter(),
		instances: make(map[string]*Instance),
		nextID:    100,
		logger:    logr.Discard(),
		config:    config,
	}

	s.setupRoutes()

	return s
}

// SetLogger sets the request logger
func (s *Server) SetLogger(logger logr.Logger) {
	s.logger = logger
}

// setupRoutes configures the fake API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix(APIPrefix).Subrouter()

	api.HandleFunc("/virt/instance", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/virt/instance", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/virt/instance/{id}", s.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/virt/instance/{id}/start", s.handlePowerOp(RouteStart)).Methods(http.MethodPost)
	api.HandleFunc("/virt/instance/{id}/stop", s.handlePowerOp(RouteStop)).Methods(http.MethodPost)
	api.HandleFunc("/virt/instance/{id}/restart", s.handlePowerOp(RouteRestart)).Methods(http.MethodPost)
	api.HandleFunc("/virt/instance/{id}/exec", s.handleExec).Methods(http.MethodPost)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.logger.V(1).Info("Fake TrueNAS API request", "method", r.Method, "path", r.URL.Path)

	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		s.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	if s.config.APIKey != "" && token != s.config.APIKey {
		s.writeError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}

	s.router.ServeHTTP(w, r)
}

// AddInstance seeds an instance and returns a copy of it
func (s *Server) AddInstance(name, kind, status string) Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := s.addLocked(name, kind, status)
	return *inst
}

func (s *Server) addLocked(name, kind, status string) *Instance {
	id := strconv.Itoa(s.nextID)
	s.nextID++

	inst := &Instance{
		ID:     id,
		Name:   name,
		Status: status,
		Type:   kind,
		actual: status,
		files:  sets.New[string]("/", "/root", "/tmp"),
	}
	s.instances[id] = inst
	s.order = append(s.order, id)
	return inst
}

// AddFile creates path inside the named instance
func (s *Server) AddFile(instanceName, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst := s.byNameLocked(instanceName); inst != nil {
		inst.files.Insert(path)
	}
}

// HasFile reports whether path exists inside the named instance
func (s *Server) HasFile(instanceName, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := s.byNameLocked(instanceName)
	return inst != nil && inst.files.Has(path)
}

// Instance returns a copy of the named instance
func (s *Server) Instance(name string) (Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := s.byNameLocked(name)
	if inst == nil {
		return Instance{}, false
	}
	return *inst, true
}

// Calls returns every request served so far
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Call(nil), s.calls...)
}

// CallCount returns how many requests hit route
func (s *Server) CallCount(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.calls {
		if c.Route == route {
			n++
		}
	}
	return n
}

// MutatingCalls returns how many create, delete and power requests were served
func (s *Server) MutatingCalls() int {
	n := 0
	for _, route := range mutatingRoutes {
		n += s.CallCount(route)
	}
	return n
}

// ExecHistory returns the argv of every exec request, probes included
func (s *Server) ExecHistory() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]string, len(s.execs))
	for i, argv := range s.execs {
		out[i] = append([]string(nil), argv...)
	}
	return out
}

// ResetCalls forgets recorded calls and exec history
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = nil
	s.execs = nil
}

func (s *Server) record(route string, r *http.Request) {
	s.calls = append(s.calls, Call{Route: route, Method: r.Method, Path: r.URL.Path})
}

func (s *Server) byNameLocked(name string) *Instance {
	for _, id := range s.order {
		if inst := s.instances[id]; inst != nil && inst.Name == name {
			return inst
		}
	}
	return nil
}

// handleList handles instance listing
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record(RouteList, r)

	list := make([]Instance, 0, len(s.order))
	for _, id := range s.order {
		inst, ok := s.instances[id]
		if !ok {
			continue
		}
		list = append(list, *inst)
		if inst.pending > 0 {
			inst.pending--
			if inst.pending == 0 {
				inst.Status = inst.actual
			}
		}
	}

	s.writeResponse(w, http.StatusOK, list)
}

type createBody struct {
	Name    string                       `json:"name"`
	Type    string                       `json:"type"`
	Source  map[string]string            `json:"source"`
	Config  map[string]string            `json:"config"`
	Devices map[string]map[string]string `json:"devices"`
}

// handleCreate handles instance creation
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.record(RouteCreate, r)

	if body.Name == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	if s.byNameLocked(body.Name) != nil {
		s.writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("instance %q already exists", body.Name))
		return
	}

	kind := body.Type
	if kind == "" {
		kind = "CONTAINER"
	}

	inst := s.addLocked(body.Name, kind, "Stopped")
	inst.Source = body.Source
	inst.Config = body.Config
	inst.Devices = body.Devices

	s.writeResponse(w, http.StatusCreated, inst)
}

// handleDelete handles instance deletion
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	defer s.mu.Unlock()

	s.record(RouteDelete, r)

	inst, exists := s.instances[id]
	if !exists {
		s.writeError(w, http.StatusNotFound, "Instance not found")
		return
	}
	if inst.actual == "Running" {
		s.writeError(w, http.StatusUnprocessableEntity, "Instance must be stopped before deletion")
		return
	}

	delete(s.instances, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	s.writeResponse(w, http.StatusOK, true)
}

// handlePowerOp creates a handler for power operations
func (s *Server) handlePowerOp(operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		s.mu.Lock()
		defer s.mu.Unlock()

		s.record(operation, r)

		inst, exists := s.instances[id]
		if !exists {
			s.writeError(w, http.StatusNotFound, "Instance not found")
			return
		}

		if s.config.PowerFailure {
			s.writeError(w, http.StatusInternalServerError, "Simulated failure")
			return
		}

		switch operation {
		case RouteStart:
			if inst.actual == "Running" {
				s.writeError(w, http.StatusConflict, "Instance is already running")
				return
			}
			s.transitionLocked(inst, "Starting", "Running")
		case RouteStop:
			if inst.actual == "Stopped" {
				s.writeError(w, http.StatusConflict, "Instance is already stopped")
				return
			}
			s.transitionLocked(inst, "Stopping", "Stopped")
		case RouteRestart:
			s.transitionLocked(inst, "Starting", "Running")
		}

		s.writeResponse(w, http.StatusOK, true)
	}
}

func (s *Server) transitionLocked(inst *Instance, transitional, settled string) {
	inst.actual = settled
	inst.pending = s.config.PendingLookups
	if inst.pending > 0 {
		inst.Status = transitional
	} else {
		inst.Status = settled
	}
}

// handleExec handles command execution
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Command          []string          `json:"command"`
		WaitForWebsocket bool              `json:"wait_for_websocket"`
		Interactive      bool              `json:"interactive"`
		Timeout          int               `json:"timeout"`
		Environment      map[string]string `json:"environment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.record(RouteExec, r)
	s.execs = append(s.execs, body.Command)

	inst, exists := s.instances[id]
	if !exists {
		s.writeError(w, http.StatusNotFound, "Instance not found")
		return
	}

	switch s.config.ExecFailure {
	case ExecFailureStatus:
		s.writeError(w, http.StatusInternalServerError, "exec failed")
		return
	case ExecFailureMalformed:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"stdout": `))
		return
	}

	if body.WaitForWebsocket || body.Interactive {
		s.writeError(w, http.StatusUnprocessableEntity, "interactive exec is not supported")
		return
	}
	if len(body.Command) == 0 {
		s.writeError(w, http.StatusUnprocessableEntity, "command is required")
		return
	}
	if inst.actual != "Running" {
		s.writeError(w, http.StatusUnprocessableEntity, "Instance is not running")
		return
	}

	sh := &shell{files: inst.files, env: body.Environment, cwd: "/root"}
	result := sh.run(body.Command)

	s.writeResponse(w, http.StatusOK, map[string]interface{}{
		"stdout": result.stdout,
		"stderr": result.stderr,
		"return": result.rc,
	})
}

// writeResponse writes a JSON response
func (s *Server) writeResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response in the middleware's error format
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeResponse(w, statusCode, map[string]interface{}{
		"error":   http.StatusText(statusCode),
		"message": message,
	})
}

// Files lists the paths inside the named instance, sorted
func (s *Server) Files(instanceName string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := s.byNameLocked(instanceName)
	if inst == nil {
		return nil
	}
	files := inst.files.UnsortedList()
	sort.Strings(files)
	return files
}

// Listen serves the fake on addr until the listener fails. It returns the
// API endpoint to hand to clients.
func (s *Server) Listen(addr string) (string, func() error, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("failed to start fake server: %w", err)
	}

	srv := &http.Server{Handler: s}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error(err, "Fake TrueNAS server error")
		}
	}()

	endpoint := fmt.Sprintf("http://%s%s", listener.Addr().String(), APIPrefix)
	return endpoint, srv.Close, nil
}

// StartFakeServer starts a fake TrueNAS server on a random loopback port.
// The returned func stops it.
func StartFakeServer(config *Config) (*Server, string, func() error, error) {
	server := NewServer(config)

	endpoint, closeServer, err := server.Listen("127.0.0.1:0")
	if err != nil {
		return nil, "", nil, err
	}

	return server, endpoint, closeServer, nil
}

// SetReportedStatus makes the list endpoint report status for the named
// instance during the next lookups calls while its settled status is kept.
func (s *Server) SetReportedStatus(name, status string, lookups int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst := s.byNameLocked(name); inst != nil {
		inst.Status = status
		inst.pending = lookups
	}
}
