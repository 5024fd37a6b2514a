package openapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(c echo.Context) error { return c.NoContent(http.StatusOK) }

func testEcho() *echo.Echo {
	e := echo.New()
	e.GET("/health", noop)
	api := e.Group("/api/v1")
	api.GET("/alerts", noop)
	api.GET("/alerts/:id", noop)
	api.POST("/alerts/:id/dismiss", noop)
	api.POST("/batch-runs", noop)
	return e
}

func TestGenerateSpec_Paths(t *testing.T) {
	e := testEcho()
	spec := NewGenerator(e, "/api/v1", "1.2.3").
		Describe(http.MethodGet, "/api/v1/alerts", "List alerts").
		GenerateSpec()

	assert.Equal(t, "3.0.3", spec["openapi"])
	info := spec["info"].(map[string]interface{})
	assert.Equal(t, "1.2.3", info["version"])

	paths := spec["paths"].(map[string]interface{})
	assert.NotContains(t, paths, "/health")
	require.Contains(t, paths, "/api/v1/alerts/{id}/dismiss")
	require.Contains(t, paths, "/api/v1/alerts")

	list := paths["/api/v1/alerts"].(map[string]interface{})["get"].(map[string]interface{})
	assert.Equal(t, "List alerts", list["summary"])
	assert.Equal(t, []string{"alerts"}, list["tags"])
	assert.NotContains(t, list, "parameters")

	dismiss := paths["/api/v1/alerts/{id}/dismiss"].(map[string]interface{})["post"].(map[string]interface{})
	params := dismiss["parameters"].([]map[string]interface{})
	require.Len(t, params, 1)
	assert.Equal(t, "id", params[0]["name"])
	assert.Equal(t, "path", params[0]["in"])
	assert.Contains(t, dismiss, "requestBody")

	tags := spec["tags"].([]map[string]string)
	assert.Equal(t, []map[string]string{{"name": "alerts"}, {"name": "batch-runs"}}, tags)
}

func TestRegisterRoutes(t *testing.T) {
	e := testEcho()
	NewGenerator(e, "/api/v1", "dev").RegisterRoutes(e)
	// Registered after the generator; still described.
	e.GET("/api/v1/recommendations", noop)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc struct {
		Paths      map[string]map[string]interface{} `json:"paths"`
		Components struct {
			SecuritySchemes map[string]interface{} `json:"securitySchemes"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc.Paths, "/api/v1/recommendations")
	assert.Contains(t, doc.Paths["/api/v1/batch-runs"], "post")
	assert.NotContains(t, doc.Paths, "/openapi.json")
	assert.Contains(t, doc.Components.SecuritySchemes, "bearerAuth")
}
