package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/ensemble-fleet/ensemble/common"
	"github.com/ensemble-fleet/ensemble/internal/rpc"
)

func newApiHandler(log *zap.Logger, auth rpc.Authorizer, sup *supervisor) http.Handler {
	router := httprouter.New()

	router.PUT("/config", rpc.WithAuth(auth, func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		req := &common.ApplyConfigRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeJSON(w, 400, &common.ErrorResponse{Error: "malformed request body"})
			return
		}

		res, err := sup.ApplyConfiguration(req.Generation, req.Payload)
		switch {
		case errors.Is(err, errBadGeneration):
			writeJSON(w, 422, &common.ErrorResponse{Error: err.Error()})
		case err != nil:
			log.Error("applying configuration", zap.Error(err))
			http.Error(w, "internal error", 500)
		case res != nil:
			writeJSON(w, 422, &common.ErrorResponse{Error: "configuration rejected", Validation: res})
		default:
			writeJSON(w, 200, &common.ApplyConfigResponse{Generation: req.Generation})
		}
	}))

	router.POST("/runstate", rpc.WithAuth(auth, func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		req := &common.RunStateRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeJSON(w, 400, &common.ErrorResponse{Error: "malformed request body"})
			return
		}

		err := sup.SetRunState(req.Desired, req.Restart)
		switch {
		case errors.Is(err, errBadRunState):
			writeJSON(w, 400, &common.ErrorResponse{Error: err.Error()})
		case errors.Is(err, errNoConfig):
			writeJSON(w, 422, &common.ErrorResponse{Error: err.Error()})
		case err != nil:
			log.Error("setting run state", zap.Error(err))
			http.Error(w, "internal error", 500)
		default:
			w.WriteHeader(200)
		}
	}))

	router.GET("/health", rpc.WithAuth(auth, func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, 200, sup.Sample())
	}))

	router.GET("/logs", rpc.WithAuth(auth, func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		q := r.URL.Query()
		rc, next, err := sup.Logs(q.Get("offset"), q.Get("tail"))
		if errors.Is(err, errBadCursor) {
			writeJSON(w, 400, &common.ErrorResponse{Error: err.Error()})
			return
		}
		if err != nil {
			log.Error("reading logs", zap.Error(err))
			http.Error(w, "internal error", 500)
			return
		}
		defer rc.Close()

		w.Header().Set("X-Log-Offset", next)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(200)
		io.Copy(w, rc)
	}))

	return router
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
