package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/fiscaldocflow/internal/api"
	"github.com/Lllllllleong/fiscaldocflow/internal/gcp"
	"github.com/Lllllllleong/fiscaldocflow/internal/models"
	"github.com/Lllllllleong/fiscaldocflow/internal/services"
)

const functionName = "HandleFiscalDocuments"

var (
	handler *api.Handler
	once    sync.Once
	initErr error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP(functionName, handleFiscalDocuments)
}

// main serves the function locally. On Cloud Functions the framework calls
// the registered handler directly.
func main() {
	if _, ok := os.LookupEnv("FUNCTION_TARGET"); !ok {
		os.Setenv("FUNCTION_TARGET", functionName)
	}
	port := gcp.GetEnv("PORT", "8080")
	slog.Info("Starting intake function locally", "port", port)
	if err := funcframework.Start(port); err != nil {
		slog.Error("funcframework.Start failed", "error", err)
		os.Exit(1)
	}
}

func handleFiscalDocuments(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		var intake *services.IntakeFunction
		intake, initErr = services.NewIntake(context.Background())
		if initErr == nil {
			handler = api.NewHandler(intake, slog.Default())
		}
	})
	if initErr != nil {
		slog.Error("CRITICAL: intake initialization failed", "error", initErr)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(models.ErrorResponse{Message: "Internal Server Error: failed to initialize service"})
		return
	}

	handler.ServeHTTP(w, r)
}
