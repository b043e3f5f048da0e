package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ensemble-fleet/ensemble/common"
	"github.com/ensemble-fleet/ensemble/internal/rpc"
	"github.com/ensemble-fleet/ensemble/internal/validate"
)

func newApiHandler(log *zap.Logger, auth *authenticator, reg *registry, health *healthAggregator, agent agentAPI) http.Handler {
	router := httprouter.New()

	router.POST("/login", newLoginHandler(log, auth))

	router.GET("/fleet/status", withOperator(auth, actionRead, newFleetStatusHandler(reg, health)))
	router.PUT("/fleet/configuration", withOperator(auth, actionConfigure, newFleetConfigureHandler(reg)))
	router.POST("/fleet/run-state", withOperator(auth, actionRunState, newFleetRunStateHandler(reg)))

	router.POST("/nodes", withOperator(auth, actionRegister, newRegisterHandler(reg)))
	router.DELETE("/nodes/:id", withOperator(auth, actionRegister, newDeregisterHandler(reg)))
	router.GET("/nodes/:id/status", withOperator(auth, actionRead, newNodeStatusHandler(reg, health)))
	router.PUT("/nodes/:id/configuration", withOperator(auth, actionConfigure, newConfigureHandler(reg)))
	router.GET("/nodes/:id/generations", withOperator(auth, actionRead, newGenerationsHandler(reg)))
	router.POST("/nodes/:id/run-state", withOperator(auth, actionRunState, newRunStateHandler(reg)))
	router.GET("/nodes/:id/logs", withOperator(auth, actionRead, newLogsHandler(log, reg, agent)))

	router.GET("/audit", withOperator(auth, actionRead, newAuditHandler(reg)))
	router.Handler("GET", "/metrics", promhttp.Handler())

	return router
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps registry errors onto status codes. Client mistakes
// all have sentinel errors, so anything unrecognized is a 500.
func writeError(w http.ResponseWriter, err error) {
	resp := &common.ErrorResponse{Error: err.Error()}

	var status int
	var verr *errValidation
	switch {
	case errors.As(err, &verr):
		status = 400
		resp.Validation = &verr.Result
	case errors.Is(err, errIncompleteNode) || errors.Is(err, errBadRunState):
		status = 400
	case errors.Is(err, errUnknownNode) || errors.Is(err, errUnknownGeneration):
		status = 404
	case errors.Is(err, errDuplicateNode) || errors.Is(err, errDuplicateCert) ||
		errors.Is(err, errNodePrecondition) || errors.Is(err, errNoConfiguration):
		status = 409
	default:
		status = 500
	}
	writeJSON(w, status, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeJSON(w, 400, &common.ErrorResponse{Error: "malformed request body"})
		return false
	}
	return true
}

func newLoginHandler(log *zap.Logger, auth *authenticator) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		req := &common.LoginRequest{}
		if !decodeBody(w, r, req) {
			return
		}

		token, err := auth.Login(req.Name, req.Password)
		if err != nil {
			log.Info("rejected login", zap.String("name", req.Name), zap.String("remote", r.RemoteAddr))
			writeJSON(w, 401, &common.ErrorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, 200, &common.TokenResponse{Token: token})
	}
}

func newRegisterHandler(reg *registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		req := &common.RegisterNodeRequest{}
		if !decodeBody(w, r, req) {
			return
		}

		node, err := reg.Register(r.URL.Query().Get("operator"), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, 201, node)
	}
}

func newDeregisterHandler(reg *registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if err := reg.Deregister(r.URL.Query().Get("operator"), p.ByName("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(204)
	}
}

func newNodeStatusHandler(reg *registry, health *healthAggregator) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		node, err := reg.Get(p.ByName("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, 200, &common.NodeStatus{Node: node, Health: health.Classify(node.ID)})
	}
}

func newConfigureHandler(reg *registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		req := &common.ConfigurationRequest{}
		if !decodeBody(w, r, req) {
			return
		}
		if req.Generation != 0 && req.Payload != nil {
			writeJSON(w, 400, &common.ErrorResponse{Error: "payload and generation are mutually exclusive"})
			return
		}

		var (
			id    = p.ByName("id")
			actor = r.URL.Query().Get("operator")
		)
		if req.Generation != 0 {
			attempt, err := reg.RollbackConfiguration(actor, id, req.Generation)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 202, &common.ConfigurationResponse{Generation: req.Generation, Attempt: attempt.ID})
			return
		}

		gen, attempt, err := reg.SetConfiguration(actor, id, req.Payload)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, 202, &common.ConfigurationResponse{Generation: gen.ID, Attempt: attempt.ID})
	}
}

func newGenerationsHandler(reg *registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		gens, err := reg.ListGenerations(p.ByName("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, 200, gens)
	}
}

func newRunStateHandler(reg *registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		req := &common.RunStateRequest{}
		if !decodeBody(w, r, req) {
			return
		}

		attempt, err := reg.SetRunState(r.URL.Query().Get("operator"), p.ByName("id"), req.Desired, req.Restart)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, 202, &common.RunStateResponse{Attempt: attempt.ID})
	}
}

// newLogsHandler proxies the node's supervised process logs from its
// agent. X-Log-Offset carries the cursor for the next request and has
// to land before the streaming body starts.
func newLogsHandler(log *zap.Logger, reg *registry, agent agentAPI) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		node, err := reg.Get(p.ByName("id"))
		if err != nil {
			writeError(w, err)
			return
		}

		q := r.URL.Query()
		rc, next, err := agent.Logs(r.Context(), node.Connection, q.Get("offset"), q.Get("tail"))
		if err != nil {
			status := &rpc.ErrStatus{}
			if errors.As(err, &status) {
				// the agent rejected the request (bad cursor etc.) - relay
				// its error body as-is
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status.Code)
				fmt.Fprint(w, status.Body)
				return
			}
			log.Warn("log proxy failed", zap.String("nodeID", node.ID), zap.Error(err))
			writeJSON(w, 502, &common.ErrorResponse{Error: "node unreachable: " + err.Error()})
			return
		}
		defer rc.Close()

		w.Header().Set("X-Log-Offset", next)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(200)

		flusher, _ := w.(http.Flusher)
		buf := make([]byte, 32*1024)
		for {
			n, err := rc.Read(buf)
			if n > 0 {
				if _, err := w.Write(buf[:n]); err != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if err != nil {
				return // EOF or the agent hung up - either way we're done
			}
		}
	}
}

func newFleetStatusHandler(reg *registry, health *healthAggregator) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		nodes, err := reg.List()
		if err != nil {
			writeError(w, err)
			return
		}

		status := &common.FleetStatus{Nodes: make([]*common.NodeStatus, 0, len(nodes))}
		for _, node := range nodes {
			status.Nodes = append(status.Nodes, &common.NodeStatus{Node: node, Health: health.Classify(node.ID)})
		}
		writeJSON(w, 200, status)
	}
}

// newFleetConfigureHandler pushes one payload to every node. Validation
// happens once up front so a bad payload touches nothing; per-node
// failures after that never block the rest of the fleet.
func newFleetConfigureHandler(reg *registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		req := &common.ConfigurationRequest{}
		if !decodeBody(w, r, req) {
			return
		}
		if req.Generation != 0 {
			writeJSON(w, 400, &common.ErrorResponse{Error: "rollback is per node: generation ids are not comparable across nodes"})
			return
		}
		if res := validate.Validate(req.Payload); !res.Accepted {
			writeJSON(w, 400, &common.ErrorResponse{Error: "configuration payload rejected", Validation: &res})
			return
		}

		nodes, err := reg.List()
		if err != nil {
			writeError(w, err)
			return
		}

		actor := r.URL.Query().Get("operator")
		resp := &common.FleetOpResponse{Attempts: map[string]string{}, Errors: map[string]string{}}
		for _, node := range nodes {
			_, attempt, err := reg.SetConfiguration(actor, node.ID, req.Payload)
			if err != nil {
				resp.Errors[node.ID] = err.Error()
				continue
			}
			resp.Attempts[node.ID] = attempt.ID
		}
		writeJSON(w, 202, resp)
	}
}

func newFleetRunStateHandler(reg *registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		req := &common.RunStateRequest{}
		if !decodeBody(w, r, req) {
			return
		}
		if req.Desired != common.RunStateRunning && req.Desired != common.RunStateStopped {
			writeError(w, fmt.Errorf("%w %q", errBadRunState, req.Desired))
			return
		}

		nodes, err := reg.List()
		if err != nil {
			writeError(w, err)
			return
		}

		actor := r.URL.Query().Get("operator")
		resp := &common.FleetOpResponse{Attempts: map[string]string{}, Errors: map[string]string{}}
		for _, node := range nodes {
			attempt, err := reg.SetRunState(actor, node.ID, req.Desired, req.Restart)
			if err != nil {
				resp.Errors[node.ID] = err.Error()
				continue
			}
			resp.Attempts[node.ID] = attempt.ID
		}
		writeJSON(w, 202, resp)
	}
}

func newAuditHandler(reg *registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				writeJSON(w, 400, &common.ErrorResponse{Error: "limit must be a positive integer"})
				return
			}
			limit = parsed
		}

		entries, err := reg.ListAudit(limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, 200, entries)
	}
}
