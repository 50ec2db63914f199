// Package api defines the request and response types of the SceneForge HTTP API.
//
// # API Overview
//
// SceneForge exposes a small RESTful API over the object designer:
//
//	POST   /api/v1/objects                      start a generation task
//	GET    /api/v1/objects                      list objects
//	GET    /api/v1/objects/{id}                 object state (history + in-flight)
//	GET    /api/v1/objects/{id}/code            generated code of a version
//	GET    /api/v1/objects/{id}/content         GLB asset of a version
//	GET    /api/v1/objects/{id}/wait            wait for the in-flight task
//	GET    /api/v1/objects/{id}/events          websocket task event stream
//	DELETE /api/v1/objects/{id}/task            cancel the in-flight task
//	DELETE /api/v1/objects/{id}                 delete the object and all versions
//
// code and content accept an optional ?version= query parameter and default
// to the latest version.
//
// # Authentication
//
// When auth is enabled, /api/v1 endpoints require a bearer token signed with
// HS256:
//
//	Authorization: Bearer <jwt>
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
package api
