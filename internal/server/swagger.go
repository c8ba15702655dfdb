package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v2"
)

// docsRoutes serves the OpenAPI document and a small viewer page on
// the admin surface.
func (s *Server) docsRoutes(r *mux.Router) {
	r.HandleFunc("/docs", s.handleDocsPage).Methods(http.MethodGet)
	r.HandleFunc("/docs/openapi.yaml", s.handleOpenAPIYAML).Methods(http.MethodGet)
	r.HandleFunc("/docs/openapi.json", s.handleOpenAPIJSON).Methods(http.MethodGet)
}

func (s *Server) handleOpenAPIYAML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/yaml")
	http.ServeFile(w, r, s.cfg.DocsPath)
}

func (s *Server) handleOpenAPIJSON(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.cfg.DocsPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "openapi document not found")
		return
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "openapi document is not valid yaml")
		return
	}

	out, err := json.MarshalIndent(stringKeys(doc), "", "  ")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "openapi document is not convertible to json")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

// stringKeys rewrites the map[interface{}]interface{} trees yaml.v2
// produces into map[string]interface{} so they survive json.Marshal.
func stringKeys(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			out[fmt.Sprint(key)] = stringKeys(value)
		}
		return out
	case []interface{}:
		for i, value := range v {
			v[i] = stringKeys(value)
		}
		return v
	default:
		return v
	}
}

func (s *Server) handleDocsPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, docsPage)
}

const docsPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>llm-relay admin API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
  <script>
    window.onload = function() {
      SwaggerUIBundle({
        url: 'docs/openapi.yaml',
        dom_id: '#swagger-ui',
        deepLinking: true,
        defaultModelsExpandDepth: 0,
        docExpansion: 'list',
        validatorUrl: null
      });
    };
  </script>
</body>
</html>
`
