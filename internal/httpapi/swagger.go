package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// SwaggerInfo describes the HTTP API. It is registered with swag under the
// default instance name so /swagger/doc.json serves it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "localllm API",
	Description:      "On-device LLM generation with streaming, cancellation and a single active worker.",
	InfoInstanceName: swag.Name,
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

// MountSwagger serves the Swagger UI and doc under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/generate": {
            "post": {
                "summary": "Start a generation and stream its events",
                "description": "Streams NDJSON lines (started, token..., then one of completed, error, cancelled). Closing the connection cancels the generation.",
                "consumes": ["application/json"],
                "produces": ["application/x-ndjson"],
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/types.GenerateRequest"}}],
                "responses": {
                    "200": {"description": "event stream", "schema": {"$ref": "#/definitions/types.GenerateEvent"}},
                    "400": {"description": "invalid request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "409": {"description": "generation already in progress", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "no model loaded", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/generations": {
            "get": {
                "summary": "List recent generations from the journal",
                "produces": ["application/json"],
                "parameters": [{"in": "query", "name": "limit", "type": "integer"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.GenerationsResponse"}}}
            }
        },
        "/generations/{id}": {
            "get": {
                "summary": "Snapshot of one generation",
                "produces": ["application/json"],
                "parameters": [{"in": "path", "name": "id", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.HandleStatus"}},
                    "404": {"description": "not found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/generations/{id}/cancel": {
            "post": {
                "summary": "Request cancellation of the active generation",
                "produces": ["application/json"],
                "parameters": [{"in": "path", "name": "id", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.CancelResponse"}}}
            }
        },
        "/load": {
            "post": {
                "summary": "Load a model, unloading the current one",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/types.LoadRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}},
                    "404": {"description": "model not found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "runtime unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/unload": {
            "post": {
                "summary": "Cancel any generation and release the model",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}}
            }
        },
        "/models": {
            "get": {
                "summary": "List model files in the models directory",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}}}
            }
        },
        "/status": {
            "get": {
                "summary": "Loaded model, tunables and activity",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}}
            }
        },
        "/healthz": {"get": {"summary": "Liveness", "responses": {"200": {"description": "ok"}}}},
        "/readyz": {"get": {"summary": "Readiness (model loaded)", "responses": {"200": {"description": "ready"}, "503": {"description": "no model loaded"}}}}
    },
    "definitions": {
        "types.GenerateRequest": {
            "type": "object",
            "required": ["prompt"],
            "properties": {
                "prompt": {"type": "string", "example": "Write a haiku about the ocean."},
                "system_prompt": {"type": "string"},
                "max_tokens": {"type": "integer", "example": 128},
                "temperature": {"type": "number", "example": 0.7},
                "top_p": {"type": "number", "example": 0.9},
                "top_k": {"type": "integer", "example": 40},
                "repeat_penalty": {"type": "number", "example": 1.1},
                "stop_sequences": {"type": "array", "items": {"type": "string"}},
                "stop": {"type": "array", "items": {"type": "string"}, "description": "alias of stop_sequences"},
                "seed": {"type": "integer", "example": 42}
            }
        },
        "types.GenerateEvent": {
            "type": "object",
            "properties": {
                "event": {"type": "string", "enum": ["started", "token", "completed", "error", "cancelled"]},
                "id": {"type": "string"},
                "token": {"type": "string"},
                "text": {"type": "string"},
                "error": {"type": "string"},
                "tokens": {"type": "integer"},
                "tokens_per_second": {"type": "number"}
            }
        },
        "types.HandleStatus": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "model_id": {"type": "string"},
                "status": {"type": "string", "enum": ["pending", "running", "completed", "cancelled", "error"]},
                "text": {"type": "string"},
                "error": {"type": "string"},
                "tokens_generated": {"type": "integer"},
                "elapsed_seconds": {"type": "number"},
                "tokens_per_second": {"type": "number"},
                "cancel_requested": {"type": "boolean"},
                "started_unix_ms": {"type": "integer"}
            }
        },
        "types.CancelResponse": {
            "type": "object",
            "properties": {"id": {"type": "string"}, "cancel_requested": {"type": "boolean"}}
        },
        "types.LoadRequest": {
            "type": "object",
            "required": ["model"],
            "properties": {
                "model": {"type": "string"},
                "context_length": {"type": "integer", "example": 2048},
                "prompt_format": {"type": "string", "example": "chatml"}
            }
        },
        "types.Model": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "name": {"type": "string"},
                "path": {"type": "string"},
                "quant": {"type": "string"},
                "family": {"type": "string"},
                "size_bytes": {"type": "integer"},
                "est_memory_bytes": {"type": "integer"}
            }
        },
        "types.ModelsResponse": {
            "type": "object",
            "properties": {"models": {"type": "array", "items": {"$ref": "#/definitions/types.Model"}}}
        },
        "types.GenerationRecord": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "model_id": {"type": "string"},
                "prompt_hash": {"type": "string"},
                "max_tokens": {"type": "integer"},
                "status": {"type": "string"},
                "error": {"type": "string"},
                "tokens_generated": {"type": "integer"},
                "elapsed_seconds": {"type": "number"},
                "started_unix_ms": {"type": "integer"},
                "finished_unix_ms": {"type": "integer"}
            }
        },
        "types.GenerationsResponse": {
            "type": "object",
            "properties": {"generations": {"type": "array", "items": {"$ref": "#/definitions/types.GenerationRecord"}}}
        },
        "types.StatusResponse": {
            "type": "object",
            "properties": {
                "loaded": {"type": "boolean"},
                "model_id": {"type": "string"},
                "model_path": {"type": "string"},
                "context_length": {"type": "integer"},
                "n_threads": {"type": "integer"},
                "n_gpu_layers": {"type": "integer"},
                "generating": {"type": "boolean"},
                "backend": {"type": "string", "example": "CPU"},
                "gpu_available": {"type": "boolean"},
                "available_memory_bytes": {"type": "integer"},
                "recommended_threads": {"type": "integer"},
                "prompt_format": {"type": "string"},
                "active_handle_id": {"type": "string"}
            }
        },
        "types.ErrorResponse": {
            "type": "object",
            "properties": {"error": {"type": "string"}, "code": {"type": "integer"}}
        }
    }
}`
