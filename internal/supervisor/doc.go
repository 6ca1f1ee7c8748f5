// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

/*
Package supervisor provides process supervision for Auditpipe using suture v4.

Long-running services are organized into three layers for failure isolation:

	RootSupervisor ("auditpipe")
	├── StorageSupervisor ("storage-layer")
	│   └── dead-letter value-log GC
	├── PipelineSupervisor ("pipeline-layer")
	│   ├── batch-writer-1 .. batch-writer-N
	│   └── retention-scheduler (if RETENTION_ENABLED)
	└── APISupervisor ("api-layer")
	    └── HTTPServerService

A crashing writer is restarted without touching the HTTP server, and an
HTTP failure never interrupts batch flushing. Supervisor events are logged
through sutureslog and the zerolog-backed slog handler.

Canceling the context passed to Serve stops every layer. Each service gets
ShutdownTimeout to return; writers use it to drain a final batch.
*/
package supervisor
