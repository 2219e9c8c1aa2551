// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - GET /sse/projects/{project_id}/stages/{stage_name} and
//     /sse/projects/{project_id} stream events as Server-Sent Events.
//   - GET /ws/projects/{project_id}/stage/{stage_name} and
//     /ws/projects/{project_id} stream events over WebSocket.
//   - GET /api/projects/{project_id}/stages[/{stage_name}] report the last-known
//     stage status via the StatusRepository interface.
//   - POST /api/projects/{project_id}/stages/{stage_name}/simulate starts a demo run.
//   - GET /healthz / readyz for Kubernetes probes, /metrics for Prometheus.
//
// Stream and simulate routes answer 429 once a client exceeds its admission
// rate.
package api
