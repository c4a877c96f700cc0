package server

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/morezero/component-mesh/pkg/orchestrator"
	"github.com/morezero/component-mesh/pkg/registry"
	"github.com/morezero/component-mesh/pkg/router"
)

const pagesLogPrefix = "server:pages"

// homePageTemplate is the HTML for the mesh home page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Component Mesh</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2, h3 { color: #0066cc; }
    .status-healthy, .state-registered { color: #0066cc; font-weight: bold; }
    .status-degraded, .state-degraded { color: #b36b00; font-weight: bold; }
    .status-unhealthy, .state-failed { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 1000px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>Component Mesh</h1>
  <p class="meta">{{.Manifest}} &middot; <a href="/docs">API docs</a> &middot; <a href="/components">components.json</a></p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Discovery: {{.Health.Discovery.Mode}}{{if .Health.Discovery.StaleAlert}} <span class="error">(stale)</span>{{end}}</p>
    {{if .Health.Discovery.LastError}}<p class="error">Last backend error: {{.Health.Discovery.LastError}}</p>{{end}}
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Components</h2>
    <table>
      <thead>
        <tr><th>Name</th><th>Tier</th><th>Policy</th><th>State</th><th>Health</th><th>Constructions</th><th>Last error</th></tr>
      </thead>
      <tbody>
        {{range .Components}}
        <tr>
          <td>{{.Name}}</td>
          <td>{{.Tier}}</td>
          <td>{{.StartupPolicy}}</td>
          <td class="state-{{.State}}">{{.State}}</td>
          <td>{{.Health}}</td>
          <td>{{.Constructions}}</td>
          <td>{{.LastError}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
  </section>

  <section>
    <h2>Routes</h2>
    {{if not .Routes}}
    <p>No routes declared.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Endpoint</th><th>Methods</th><th>Served by</th><th>Description</th></tr>
      </thead>
      <tbody>
        {{range .Routes}}
        <tr>
          <td>/api/{{.Endpoint}}</td>
          <td>{{if .Methods}}{{range .Methods}}{{.}} {{end}}{{else}}any{{end}}</td>
          <td>{{if .Component}}{{.Component}}{{else}}capability {{.Capability}}{{end}}</td>
          <td>{{.Description}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	Manifest   string
	Health     *registry.HealthOutput
	Components []orchestrator.ComponentStatus
	Routes     []router.EndpointSchema
}

// handleHome returns an HTTP handler for the mesh home page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{
			Manifest:   s.manifest.Name + "@" + s.manifest.Version,
			Health:     s.reg.Health(ctx),
			Components: s.orch.Components(),
			Routes:     s.router.Routes().List(),
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", pagesLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

// openAPI3 types for generating the API document from the route table.
type openAPI3Spec struct {
	OpenAPI string                      `json:"openapi"`
	Info    openAPI3Info                `json:"info"`
	Paths   map[string]openAPI3PathItem `json:"paths"`
}

type openAPI3Info struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
}

type openAPI3PathItem map[string]*openAPI3Operation

type openAPI3Operation struct {
	Summary     string                      `json:"summary"`
	Description string                      `json:"description,omitempty"`
	OperationID string                      `json:"operationId"`
	Parameters  []openAPI3Parameter         `json:"parameters,omitempty"`
	RequestBody *openAPI3RequestBody        `json:"requestBody,omitempty"`
	Responses   map[string]openAPI3Response `json:"responses"`
}

type openAPI3Parameter struct {
	Name     string         `json:"name"`
	In       string         `json:"in"`
	Required bool           `json:"required,omitempty"`
	Schema   map[string]any `json:"schema"`
}

type openAPI3RequestBody struct {
	Required bool                         `json:"required,omitempty"`
	Content  map[string]openAPI3MediaType `json:"content"`
}

type openAPI3Response struct {
	Description string                       `json:"description"`
	Content     map[string]openAPI3MediaType `json:"content,omitempty"`
}

type openAPI3MediaType struct {
	Schema map[string]any `json:"schema,omitempty"`
}

var routedResponseSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"requestId":   map[string]any{"type": "string"},
		"success":     map[string]any{"type": "boolean"},
		"payload":     map[string]any{"type": "object"},
		"errorKind":   map[string]any{"type": "string", "enum": []string{"InvalidRequest", "NotFound", "ServiceUnavailable", "Timeout", "InternalError"}},
		"message":     map[string]any{"type": "string"},
		"generatedAt": map[string]any{"type": "string", "format": "date-time"},
	},
}

// buildOpenAPISpec builds an OpenAPI 3.0 document with one path per route. GET and
// DELETE take their fields from the query string, other methods from a JSON body.
func buildOpenAPISpec(title, version string, routes []router.EndpointSchema) *openAPI3Spec {
	paths := make(map[string]openAPI3PathItem, len(routes))
	for _, rt := range routes {
		methods := rt.Methods
		if len(methods) == 0 {
			methods = []string{http.MethodPost}
		}
		item := openAPI3PathItem{}
		for _, m := range methods {
			op := &openAPI3Operation{
				Summary:     rt.Endpoint,
				Description: rt.Description,
				OperationID: strings.ToLower(m) + "_" + strings.NewReplacer("/", "_", "-", "_").Replace(rt.Endpoint),
				Responses: map[string]openAPI3Response{
					"200": {
						Description: "Success",
						Content:     map[string]openAPI3MediaType{"application/json": {Schema: routedResponseSchema}},
					},
					"default": {
						Description: "Routed error",
						Content:     map[string]openAPI3MediaType{"application/json": {Schema: routedResponseSchema}},
					},
				},
			}
			if m == http.MethodGet || m == http.MethodDelete {
				op.Parameters = queryParameters(rt.Fields)
			} else {
				schema, required := objectSchema(rt)
				op.RequestBody = &openAPI3RequestBody{
					Required: required,
					Content:  map[string]openAPI3MediaType{"application/json": {Schema: schema}},
				}
			}
			item[strings.ToLower(m)] = op
		}
		paths["/api/"+rt.Endpoint] = item
	}
	return &openAPI3Spec{
		OpenAPI: "3.0.0",
		Info:    openAPI3Info{Title: title, Description: "Routes served by the component mesh", Version: version},
		Paths:   paths,
	}
}

func fieldSchema(f router.FieldSchema) map[string]any {
	out := map[string]any{}
	if f.Type != router.TypeAny {
		out["type"] = string(f.Type)
	}
	if len(f.Enum) > 0 {
		out["enum"] = f.Enum
	}
	if f.MinLength != nil {
		out["minLength"] = *f.MinLength
	}
	if f.MaxLength != nil {
		out["maxLength"] = *f.MaxLength
	}
	if f.Minimum != nil {
		out["minimum"] = *f.Minimum
	}
	if f.Maximum != nil {
		out["maximum"] = *f.Maximum
	}
	if f.Description != "" {
		out["description"] = f.Description
	}
	return out
}

func objectSchema(rt router.EndpointSchema) (map[string]any, bool) {
	props := make(map[string]any, len(rt.Fields))
	var required []string
	for name, f := range rt.Fields {
		props[name] = fieldSchema(f)
		if f.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	if rt.Strict {
		schema["additionalProperties"] = false
	}
	return schema, len(required) > 0
}

func queryParameters(fields map[string]router.FieldSchema) []openAPI3Parameter {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]openAPI3Parameter, 0, len(names))
	for _, name := range names {
		out = append(out, openAPI3Parameter{Name: name, In: "query", Required: fields[name].Required, Schema: fieldSchema(fields[name])})
	}
	return out
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	spec := buildOpenAPISpec(s.manifest.Name, s.manifest.Version, s.router.Routes().List())
	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, spec)
}

// swaggerUIPage is the HTML that embeds Swagger UI from CDN and loads the OpenAPI spec.
const swaggerUIPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>API – {{.Title}}</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.onload = function() {
      SwaggerUIBundle({
        url: "{{.SpecURL}}",
        dom_id: "#swagger-ui",
        presets: [
          SwaggerUIBundle.presets.apis,
          SwaggerUIBundle.SwaggerUIStandalonePreset
        ]
      });
    };
  </script>
</body>
</html>
`

func (s *Server) handleDocs() http.HandlerFunc {
	tmpl := template.Must(template.New("swagger").Parse(swaggerUIPage))
	return func(w http.ResponseWriter, r *http.Request) {
		// Build absolute spec URL from request host so Swagger UI can fetch it
		specURL := "https://" + r.Host + "/openapi.json"
		if r.TLS == nil {
			specURL = "http://" + r.Host + "/openapi.json"
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, map[string]string{"Title": s.manifest.Name, "SpecURL": specURL}); err != nil {
			slog.Error(fmt.Sprintf("%s - docs template execute: %v", pagesLogPrefix, err))
		}
	}
}
