package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "SMA Warehouse API",
        "description": "Catalog queries over pre-aggregated school analytics with caching and replica routing",
        "version": "0.2.0"
    },
    "basePath": "/",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Queries", "description": "Named analytical queries"},
        {"name": "Admin", "description": "Cache, view refresh and job control"},
        {"name": "Health", "description": "Liveness and readiness probes"}
    ],
    "paths": {
        "/health": {
            "get": {
                "tags": ["Health"],
                "summary": "Liveness probe",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/ready": {
            "get": {
                "tags": ["Health"],
                "summary": "Readiness probe",
                "responses": {
                    "200": {"description": "Primary reachable", "schema": {"$ref": "#/definitions/HealthStatus"}},
                    "503": {"description": "Primary unreachable", "schema": {"$ref": "#/definitions/HealthStatus"}}
                }
            }
        },
        "/api/v1/queries": {
            "get": {
                "tags": ["Queries"],
                "summary": "List catalog queries with view freshness",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/queries/{name}": {
            "get": {
                "tags": ["Queries"],
                "summary": "Execute a query with parameters from the query string",
                "parameters": [
                    {"name": "name", "in": "path", "required": true, "type": "string"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "offset", "in": "query", "type": "integer"},
                    {"name": "use_replica", "in": "query", "type": "boolean"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid parameters", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Unknown query", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "504": {"description": "Statement timeout", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Queries"],
                "summary": "Execute a query with a JSON body",
                "parameters": [
                    {"name": "name", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "schema": {"$ref": "#/definitions/ExecuteRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid parameters", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Unknown query", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "504": {"description": "Statement timeout", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/admin/cache/invalidate": {
            "post": {
                "tags": ["Admin"],
                "summary": "Invalidate cached results by prefix, view or query",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/InvalidateRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid target", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/admin/cache/warm": {
            "post": {
                "tags": ["Admin"],
                "summary": "Warm cache entries for the listed queries",
                "parameters": [
                    {"name": "payload", "in": "body", "schema": {"$ref": "#/definitions/WarmRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Unknown query", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/admin/views": {
            "get": {
                "tags": ["Admin"],
                "summary": "List aggregate views and their freshness",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/admin/views/{name}/refresh": {
            "post": {
                "tags": ["Admin"],
                "summary": "Rebuild a view and invalidate its cached results",
                "parameters": [
                    {"name": "name", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Unknown view", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Refresh already running", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/admin/jobs": {
            "get": {
                "tags": ["Admin"],
                "summary": "Job states and recent runs",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/admin/jobs/{name}/run": {
            "post": {
                "tags": ["Admin"],
                "summary": "Trigger a job run",
                "parameters": [
                    {"name": "name", "in": "path", "required": true, "type": "string", "enum": ["refresh-views", "generate-statistics", "warm-cache"]}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Unknown job", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Job already running", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/v1/admin/metrics": {
            "get": {
                "tags": ["Admin"],
                "summary": "Aggregated cache, query and job counters",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "ExecuteRequest": {
            "type": "object",
            "properties": {
                "params": {"type": "object"},
                "limit": {"type": "integer"},
                "offset": {"type": "integer"},
                "use_replica": {"type": "boolean"}
            }
        },
        "InvalidateRequest": {
            "type": "object",
            "properties": {
                "prefix": {"type": "string"},
                "view": {"type": "string"},
                "query": {"type": "string"}
            }
        },
        "WarmRequest": {
            "type": "object",
            "properties": {
                "queries": {"type": "array", "items": {"type": "string"}}
            }
        },
        "HealthStatus": {
            "type": "object",
            "properties": {
                "primary": {"type": "string"},
                "replica": {"type": "string"},
                "cache": {"type": "string"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "limit": {"type": "integer"},
                "offset": {"type": "integer"},
                "row_count": {"type": "integer"},
                "has_more": {"type": "boolean"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
