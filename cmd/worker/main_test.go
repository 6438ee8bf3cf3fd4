package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Lllllllleong/fiscaldocflow/internal/worker"
)

type fixedState worker.State

func (f fixedState) State() worker.State { return worker.State(f) }

func TestHealthz(t *testing.T) {
	tests := []struct {
		state  worker.State
		status int
	}{
		{worker.StateRunning, http.StatusOK},
		{worker.StateConnecting, http.StatusOK},
		{worker.StateStopped, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		healthMux(fixedState(tt.state)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, tt.status, rec.Code)
		assert.Equal(t, tt.state.String()+"\n", rec.Body.String())
	}
}
