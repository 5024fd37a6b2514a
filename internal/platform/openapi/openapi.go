package openapi

import (
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
)

// Generator builds an OpenAPI 3.0 document from the routes registered on an
// echo instance. Only routes under prefix are described.
type Generator struct {
	e       *echo.Echo
	prefix  string
	version string
	// summaries maps "METHOD /path" (echo syntax) to a one-line summary.
	summaries map[string]string
}

func NewGenerator(e *echo.Echo, prefix, version string) *Generator {
	return &Generator{e: e, prefix: prefix, version: version, summaries: map[string]string{}}
}

// Describe attaches a summary to a route, e.g. Describe("GET", "/api/v1/alerts", "List alerts").
func (g *Generator) Describe(method, path, summary string) *Generator {
	g.summaries[method+" "+path] = summary
	return g
}

var pathParam = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

// GenerateSpec produces the document as a map ready for JSON encoding.
func (g *Generator) GenerateSpec() map[string]interface{} {
	paths := map[string]interface{}{}
	tags := map[string]bool{}

	routes := g.e.Routes()
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})

	for _, r := range routes {
		if !strings.HasPrefix(r.Path, g.prefix) || r.Method == echo.RouteNotFound {
			continue
		}
		oaPath := pathParam.ReplaceAllString(r.Path, "{$1}")
		item, _ := paths[oaPath].(map[string]interface{})
		if item == nil {
			item = map[string]interface{}{}
			paths[oaPath] = item
		}

		tag := tagFor(strings.TrimPrefix(r.Path, g.prefix))
		tags[tag] = true
		op := map[string]interface{}{
			"tags":      []string{tag},
			"responses": responsesFor(r.Method),
		}
		if s := g.summaries[r.Method+" "+r.Path]; s != "" {
			op["summary"] = s
		}
		if params := parametersFor(r.Path); len(params) > 0 {
			op["parameters"] = params
		}
		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			op["requestBody"] = map[string]interface{}{
				"required": false,
				"content":  map[string]interface{}{"application/json": map[string]interface{}{"schema": map[string]interface{}{"type": "object"}}},
			}
		}
		item[strings.ToLower(r.Method)] = op
	}

	tagList := make([]map[string]string, 0, len(tags))
	for t := range tags {
		tagList = append(tagList, map[string]string{"name": t})
	}
	sort.Slice(tagList, func(i, j int) bool { return tagList[i]["name"] < tagList[j]["name"] })

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   "Lab Insight API",
			"version": g.version,
		},
		"tags":     tagList,
		"paths":    paths,
		"security": []map[string][]string{{"bearerAuth": {}}},
		"components": map[string]interface{}{
			"securitySchemes": map[string]interface{}{
				"bearerAuth": map[string]string{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"},
			},
			"schemas": map[string]interface{}{
				"Error": map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{"message": map[string]string{"type": "string"}},
				},
			},
		},
	}
}

func tagFor(rel string) string {
	seg := strings.SplitN(strings.TrimPrefix(rel, "/"), "/", 2)[0]
	if seg == "" {
		return "default"
	}
	return seg
}

func parametersFor(path string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, m := range pathParam.FindAllStringSubmatch(path, -1) {
		out = append(out, map[string]interface{}{
			"name":     m[1],
			"in":       "path",
			"required": true,
			"schema":   map[string]string{"type": "string"},
		})
	}
	return out
}

func responsesFor(method string) map[string]interface{} {
	errRef := map[string]interface{}{
		"content": map[string]interface{}{"application/json": map[string]interface{}{
			"schema": map[string]string{"$ref": "#/components/schemas/Error"},
		}},
	}
	ok := "200"
	if method == http.MethodPost {
		ok = "2XX"
	}
	withDesc := func(desc string) map[string]interface{} {
		r := map[string]interface{}{"description": desc}
		for k, v := range errRef {
			r[k] = v
		}
		return r
	}
	return map[string]interface{}{
		ok:    map[string]string{"description": "Success"},
		"400": withDesc("Invalid request"),
		"401": withDesc("Missing or invalid token"),
		"403": withDesc("Insufficient role or cross-tenant access"),
	}
}

// RegisterRoutes serves the document. It is generated per request so
// routes added after registration still appear.
func (g *Generator) RegisterRoutes(e *echo.Echo) {
	e.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	})
}
