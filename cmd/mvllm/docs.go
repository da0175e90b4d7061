package main

// General API documentation for swaggo. Generate docs from these annotations with `swag init`.
//
// @title           mvllm API
// @version         1.0
// @description     Load-balancing reverse proxy for OpenAI-compatible vLLM servers.
//
// @BasePath  /
//
// @schemes http
