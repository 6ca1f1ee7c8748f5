// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

// Package services adapts blocking server lifecycles to suture.Service.
//
// Pipeline components (batch writer workers, the retention scheduler, the
// dead-letter sink) implement Serve themselves; only the HTTP server needs
// a wrapper to translate ListenAndServe/Shutdown into a context-aware
// Serve.
package services
