// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

// Package testinfra starts Docker containers for integration tests with
// testcontainers-go.
//
// Everything here is behind the integration build tag:
//
//	go test -tags integration ./internal/...
//
// Tests skip when Docker is not reachable.
//
//	func TestRedisQueue(t *testing.T) {
//	    addr := testinfra.StartRedis(t)
//	    client := redis.NewClient(&redis.Options{Addr: addr})
//	    // ...
//	}
package testinfra
