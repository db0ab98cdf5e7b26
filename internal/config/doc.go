// Package config handles configuration loading for attache-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	model:
//	  api_key: "${ATTACHE_MODEL_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Configuration Sections
//
// Server and storage:
//
//	server:
//	  http_addr: "0.0.0.0:8000"
//	database:
//	  path: "/var/lib/attache/attache.db"
//	uploads:
//	  dir: "/var/lib/attache/uploads"
//
// Model endpoint (OpenAI-compatible):
//
//	model:
//	  base_url: "http://localhost:8001/v1"
//	  api_key: "${ATTACHE_MODEL_API_KEY}"
//	  model: "qwen/qwen-2.5-7b-instruct"
//	  temperature: 0.7
//	  max_tokens: 2000
//	  timeout: "60s"
//
// Retrieval and extraction services:
//
//	retrieval:
//	  enabled: true
//	  base_url: "http://localhost:8002"
//	  limit: 3
//	extraction:
//	  base_url: "http://localhost:8003"
//
// Conversation behavior:
//
//	chat:
//	  system_prompt: "You answer questions about tax law."
//	  history_token_budget: 30000
//
// Authentication and logging:
//
//	auth:
//	  jwt_secret: "${ATTACHE_JWT_SECRET}"  # empty disables auth
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
