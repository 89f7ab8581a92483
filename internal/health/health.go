package health

import (
	"context"
	"net/http"
	"time"

	"pillcloud/internal/models"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// RegisterRoutes — только liveness.
func RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		models.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "status": "ok"})
	}).Methods(http.MethodGet)
}

// RegisterRoutesWithDB добавляет /readyz с ping базы.
func RegisterRoutesWithDB(r *mux.Router, db *gorm.DB) {
	RegisterRoutes(r)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			models.WriteProblem(w, http.StatusServiceUnavailable, "Service Unavailable", "database unavailable", nil)
			return
		}
		models.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "status": "ready"})
	}).Methods(http.MethodGet)
}
