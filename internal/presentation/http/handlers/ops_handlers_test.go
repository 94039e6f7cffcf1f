package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/AtRiskMedia/visitorid-go/config"
	"github.com/AtRiskMedia/visitorid-go/internal/application/container"
	"github.com/AtRiskMedia/visitorid-go/internal/presentation/http/routes"
	"github.com/gin-gonic/gin"
)

func testContainer(t *testing.T) *container.Container {
	t.Helper()

	settings := &config.Settings{
		OrgID:                 "orgid",
		Server:                "test.com",
		SyncTTL:               600 * time.Second,
		RequestTimeout:        time.Second,
		BestEffortTimeout:     time.Second,
		RetryInitialInterval:  time.Millisecond,
		RetryMaxInterval:      10 * time.Millisecond,
		RetryMaxElapsed:       100 * time.Millisecond,
		DependencyWaitTimeout: 200 * time.Millisecond,
		DBPath:                filepath.Join(t.TempDir(), "ops_test.db"),
		DefaultPrivacy:        "optunknown",
		LogJSON:               true,
	}

	c, err := container.NewContainer(settings)
	if err != nil {
		t.Fatalf("build container: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.IdentityService.Boot(); err != nil {
		t.Fatalf("boot: %v", err)
	}
	go c.Dispatcher.Run()
	t.Cleanup(c.Dispatcher.Stop)

	return c
}

func doRequest(t *testing.T, router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestOpsHealth(t *testing.T) {
	router := routes.SetupRoutes(testContainer(t))

	w := doRequest(t, router, http.MethodGet, "/api/v1/ops/health")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("health body = %v", body)
	}
}

func TestOpsIdentityReturnsSnapshot(t *testing.T) {
	router := routes.SetupRoutes(testContainer(t))

	w := doRequest(t, router, http.MethodGet, "/api/v1/ops/identity")
	if w.Code != http.StatusOK {
		t.Fatalf("identity status = %d, body %s", w.Code, w.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("identity body: %v", err)
	}
	if body["privacyStatus"] != "optunknown" {
		t.Fatalf("snapshot missing privacy status: %v", body)
	}
}

func TestOpsQueueStatus(t *testing.T) {
	router := routes.SetupRoutes(testContainer(t))

	w := doRequest(t, router, http.MethodGet, "/api/v1/ops/queue")
	if w.Code != http.StatusOK {
		t.Fatalf("queue status = %d", w.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("queue body: %v", err)
	}
	if body["depth"] != float64(0) || body["suspended"] != false {
		t.Fatalf("queue body = %v", body)
	}
}

func TestOpsLogLevels(t *testing.T) {
	router := routes.SetupRoutes(testContainer(t))

	w := doRequest(t, router, http.MethodGet, "/api/v1/ops/logs/levels")
	if w.Code != http.StatusOK {
		t.Fatalf("levels status = %d", w.Code)
	}

	var levels map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &levels); err != nil {
		t.Fatalf("levels body: %v", err)
	}
	if levels["identity"] != "INFO" {
		t.Fatalf("levels body = %v", levels)
	}
}
