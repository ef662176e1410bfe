//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package debug provides a HTTP server for inspecting and exercising
// registered graph executors: invoking runs, resuming interrupted ones, and
// browsing checkpoint history.
package debug

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

// Server exposes HTTP endpoints over a set of named graph executors.
type Server struct {
	router *mux.Router

	mu        sync.RWMutex
	executors map[string]*graph.Executor
}

// Option configures the Server instance.
type Option func(*Server)

// WithExecutor registers an additional executor under the given name.
func WithExecutor(name string, executor *graph.Executor) Option {
	return func(s *Server) {
		if executor != nil {
			s.executors[name] = executor
		}
	}
}

// New creates a debug HTTP server over the given executors.
func New(executors map[string]*graph.Executor, opts ...Option) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		executors: make(map[string]*graph.Executor, len(executors)),
	}
	for name, executor := range executors {
		if executor != nil {
			s.executors[name] = executor
		}
	}
	for _, opt := range opts {
		opt(s)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
	})
	s.router.Use(c.Handler)
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/graphs", s.handleListGraphs).Methods(http.MethodGet)
	s.router.HandleFunc("/graphs/{name}", s.handleGetGraph).Methods(http.MethodGet)

	// Run APIs.
	s.router.HandleFunc("/graphs/{name}/invoke", s.handleInvoke).Methods(http.MethodPost)
	s.router.HandleFunc("/graphs/{name}/resume", s.handleResume).Methods(http.MethodPost)

	// Checkpoint APIs.
	s.router.HandleFunc("/graphs/{name}/lineages/{lineageId}/checkpoints",
		s.handleListCheckpoints).Methods(http.MethodGet)
	s.router.HandleFunc("/graphs/{name}/lineages/{lineageId}/checkpoints/{checkpointId}",
		s.handleGetCheckpoint).Methods(http.MethodGet)
	s.router.HandleFunc("/graphs/{name}/lineages/{lineageId}/checkpoints/{checkpointId}/fork",
		s.handleForkCheckpoint).Methods(http.MethodPost)
	s.router.HandleFunc("/graphs/{name}/lineages/{lineageId}/checkpoints/{checkpointId}/state",
		s.handleEditCheckpoint).Methods(http.MethodPost)

	// OPTIONS handlers to allow CORS pre-flight.
	preflight := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	s.router.HandleFunc("/graphs/{name}/invoke", preflight).Methods(http.MethodOptions)
	s.router.HandleFunc("/graphs/{name}/resume", preflight).Methods(http.MethodOptions)
}

// ---- Handlers -----------------------------------------------------------

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	log.Infof("handleListGraphs called: path=%s", r.URL.Path)
	s.mu.RLock()
	summaries := make([]graphSummary, 0, len(s.executors))
	for name, executor := range s.executors {
		g := executor.Graph()
		summaries = append(summaries, graphSummary{
			Name:       name,
			EntryPoint: g.EntryPoint(),
			NodeCount:  len(g.Nodes()),
		})
	}
	s.mu.RUnlock()
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	s.writeJSON(w, summaries)
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	log.Infof("handleGetGraph called: path=%s", r.URL.Path)
	executor, name, ok := s.executorFor(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, describeGraph(name, executor.Graph()))
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	log.Infof("handleInvoke called: path=%s", r.URL.Path)
	executor, _, ok := s.executorFor(w, r)
	if !ok {
		return
	}
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	initialState := graph.State(req.State)
	if initialState == nil {
		initialState = make(graph.State)
	}
	if req.LineageID != "" {
		initialState[graph.CfgKeyLineageID] = req.LineageID
	}
	var opts []graph.RunOption
	if req.InvocationID != "" {
		opts = append(opts, graph.WithRunInvocationID(req.InvocationID))
	}
	result, err := executor.Invoke(r.Context(), initialState, opts...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, convertRunResult(result))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	log.Infof("handleResume called: path=%s", r.URL.Path)
	executor, _, ok := s.executorFor(w, r)
	if !ok {
		return
	}
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if req.LineageID == "" {
		http.Error(w, "lineageId is required", http.StatusBadRequest)
		return
	}

	var opts []graph.RunOption
	if req.ResumeValue != nil {
		opts = append(opts, graph.WithResumeValue(req.ResumeValue))
	}
	if len(req.ResumeMap) > 0 {
		opts = append(opts, graph.WithResumeMap(req.ResumeMap))
	}
	result, err := executor.Resume(r.Context(), req.LineageID, graph.State(req.Update), opts...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, convertRunResult(result))
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	log.Infof("handleListCheckpoints called: path=%s", r.URL.Path)
	tt, lineageID, ok := s.timeTravelFor(w, r)
	if !ok {
		return
	}
	namespace := r.URL.Query().Get("namespace")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	infos, err := tt.History(r.Context(), lineageID, namespace, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	summaries := make([]checkpointSummary, 0, len(infos))
	for _, info := range infos {
		summaries = append(summaries, convertCheckpointInfo(info))
	}
	s.writeJSON(w, summaries)
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	log.Infof("handleGetCheckpoint called: path=%s", r.URL.Path)
	tt, lineageID, ok := s.timeTravelFor(w, r)
	if !ok {
		return
	}
	ref := checkpointRefFromRequest(r, lineageID)
	snapshot, err := tt.GetState(r.Context(), ref)
	if err != nil {
		status := http.StatusInternalServerError
		if err == graph.ErrCheckpointNotFound {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.writeJSON(w, checkpointDetail{
		checkpointSummary: convertCheckpointInfo(snapshot.CheckpointInfo),
		State:             snapshot.State,
		NextNodes:         snapshot.NextNodes,
		NextChannels:      snapshot.NextChannels,
	})
}

func (s *Server) handleForkCheckpoint(w http.ResponseWriter, r *http.Request) {
	log.Infof("handleForkCheckpoint called: path=%s", r.URL.Path)
	tt, lineageID, ok := s.timeTravelFor(w, r)
	if !ok {
		return
	}
	ref := checkpointRefFromRequest(r, lineageID)
	forked, err := tt.Fork(r.Context(), ref)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]string{
		"lineageId":    forked.LineageID,
		"namespace":    forked.Namespace,
		"checkpointId": forked.CheckpointID,
	})
}

func (s *Server) handleEditCheckpoint(w http.ResponseWriter, r *http.Request) {
	log.Infof("handleEditCheckpoint called: path=%s", r.URL.Path)
	tt, lineageID, ok := s.timeTravelFor(w, r)
	if !ok {
		return
	}
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if len(patch) == 0 {
		http.Error(w, "state patch cannot be empty", http.StatusBadRequest)
		return
	}
	ref := checkpointRefFromRequest(r, lineageID)
	edited, err := tt.EditState(r.Context(), ref, graph.State(patch))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]string{
		"lineageId":    edited.LineageID,
		"namespace":    edited.Namespace,
		"checkpointId": edited.CheckpointID,
	})
}

// ---- helpers ------------------------------------------------------------

func (s *Server) executorFor(w http.ResponseWriter, r *http.Request) (*graph.Executor, string, bool) {
	name := mux.Vars(r)["name"]
	s.mu.RLock()
	executor, ok := s.executors[name]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "Graph not found", http.StatusNotFound)
		return nil, name, false
	}
	return executor, name, true
}

func (s *Server) timeTravelFor(w http.ResponseWriter, r *http.Request) (*graph.TimeTravel, string, bool) {
	executor, _, ok := s.executorFor(w, r)
	if !ok {
		return nil, "", false
	}
	tt, err := executor.TimeTravel()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, "", false
	}
	return tt, mux.Vars(r)["lineageId"], true
}

func checkpointRefFromRequest(r *http.Request, lineageID string) graph.CheckpointRef {
	checkpointID := mux.Vars(r)["checkpointId"]
	if checkpointID == "latest" {
		checkpointID = ""
	}
	return graph.CheckpointRef{
		LineageID:    lineageID,
		Namespace:    r.URL.Query().Get("namespace"),
		CheckpointID: checkpointID,
	}
}

func describeGraph(name string, g *graph.Graph) graphDetail {
	detail := graphDetail{
		Name:            name,
		EntryPoint:      g.EntryPoint(),
		InterruptBefore: g.InterruptBeforeNodes(),
		InterruptAfter:  g.InterruptAfterNodes(),
	}
	nodes := g.Nodes()
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		node := nodes[id]
		detail.Nodes = append(detail.Nodes, nodeDetail{
			ID:          node.ID,
			Name:        node.Name,
			Description: node.Description,
			Type:        string(node.Type),
		})
		for _, edge := range g.Edges(id) {
			detail.Edges = append(detail.Edges, edgeDetail{From: edge.From, To: edge.To})
		}
		if ce, ok := g.ConditionalEdge(id); ok {
			detail.ConditionalEdges = append(detail.ConditionalEdges, condEdgeDetail{
				From:       ce.From,
				Candidates: append([]string(nil), ce.Candidates...),
			})
		}
	}
	for _, je := range g.JoinEdges() {
		detail.JoinEdges = append(detail.JoinEdges, joinEdgeDetail{
			Froms: append([]string(nil), je.Froms...),
			To:    je.To,
		})
	}
	if schema := g.Schema(); schema != nil {
		detail.StateFields = make(map[string]string, len(schema.Fields))
		for key, field := range schema.Fields {
			if field.Type != nil {
				detail.StateFields[key] = field.Type.String()
			}
		}
	}
	return detail
}

func convertRunResult(result *graph.RunResult) runResponse {
	return runResponse{
		State:          result.State,
		LineageID:      result.LineageID,
		Interrupted:    result.Interrupted,
		InterruptValue: result.InterruptValue,
		InterruptKey:   result.InterruptKey,
		NextNodes:      result.NextNodes,
	}
}

func convertCheckpointInfo(info graph.CheckpointInfo) checkpointSummary {
	return checkpointSummary{
		CheckpointID: info.Ref.CheckpointID,
		Namespace:    info.Ref.Namespace,
		ParentID:     info.ParentCheckpoint,
		Source:       info.Source,
		Step:         info.Step,
		Timestamp:    info.Timestamp,
		Interrupted:  info.Interrupted,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("write JSON response: %v", err)
	}
}
