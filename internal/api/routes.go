package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

const apiPrefix = "/api/v1"

func SetupRoutes(router *mux.Router, handler *Handler) {
	api := router.PathPrefix(apiPrefix).Subrouter()
	api.HandleFunc("/health", handler.HealthCheck).Methods(http.MethodGet)
	api.HandleFunc("/stats", handler.GetStats).Methods(http.MethodGet)
	api.HandleFunc("/jobs", handler.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs", handler.CreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", handler.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/status", handler.UpdateJobStatus).Methods(http.MethodPut)
	api.HandleFunc("/crons", handler.ListCrons).Methods(http.MethodGet)
	api.HandleFunc("/agent/start", handler.StartAgent).Methods(http.MethodPost)
	api.HandleFunc("/agent/stop", handler.StopAgent).Methods(http.MethodPost)
}
