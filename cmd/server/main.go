/*
main.go - Application entry point

PURPOSE:
  Builds the procurement command: an HTTP server with a background
  deferred-work runner, and a one-shot command that drains the deferred
  queue (for cron-style deployments).

COMMANDS:
  procurement serve          HTTP API + deferred runner
  procurement run-deferred   One pass over due deferred operations

STARTUP SEQUENCE:
  1. Load .env and environment (config.Load), apply flag overrides
  2. Initialize logging
  3. Open SQLite store; connect Redis when it backs the scheduler
  4. Wire receiving service, handler and runner
  5. Start server with graceful shutdown

FLAGS (override environment):
  --env-file   .env path (default: .env)
  --db         SQLite database path; ":memory:" for in-memory
  --log-level  trace, debug, info, warn, error
  --scheduler  sqlite or redis
  --port       HTTP port (serve only)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the deferred runner
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and database connections

SEE ALSO:
  - config/config.go: environment variables
  - api/server.go: Router configuration
  - api/runner.go: Deferred runner
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
