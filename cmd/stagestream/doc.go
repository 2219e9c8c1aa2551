// Package main hosts the streaming service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, stage status and the stream endpoints
//     (/ws/projects/{project_id}/stages/{stage_name}, /sse/... and their project-wide variants).
//   - Broker: publishers and stream sessions share one broker, in-process for a single node or Redis
//     PUBLISH/SUBSCRIBE when executors run elsewhere. Channels are named <namespace>:<project>:<stage>.
//   - Bridge: every client connection gets its own subscriber. A connected frame is written first, events
//     are relayed in order, and the stream closes with stream_end after done, error or the idle timeout.
//   - Status: in-process publishers report to the progress Hub, which batches events into the status
//     store (memory or Postgres) and Prometheus collectors.
//
// Operational notes:
//   - Stream requests bypass the request timeout and end when the server shuts down.
//   - The simulated executor (POST .../simulate) is on by default; disable it in production.
//
// Quick checklist:
//   - Configure env vars: STAGESTREAM_SERVER_PORT, STAGESTREAM_BROKER_KIND=redis, STAGESTREAM_REDIS_ADDR,
//     STAGESTREAM_DB_DSN for Postgres status rows, STAGESTREAM_SIMULATE_ENABLED=false.
//   - Run locally: go run ./cmd/stagestream -config config.yaml (or rely solely on env overrides).
package main
