/*
Package httpserver implements the HTTP API the web front end uses to drive
agent identity provisioning.

Workflows started over HTTP sign transactions through a relay session. When a
workflow needs a signature, the unsigned transaction appears in the workflow
state (and at the signature endpoint); the browser wallet signs it and posts the
signed transaction back, or reports that the user declined.

# Workflow API

  - POST /api/workflows - Start a workflow for a form and wallet account
  - GET /api/workflows - List workflow ids
  - GET /api/workflows/{id} - Get the current workflow state
  - GET /api/workflows/{id}/events - Stream state snapshots as server-sent events
  - POST /api/workflows/{id}/resume - Resume after the last completed step
  - POST /api/workflows/{id}/cancel - Cancel before any on-chain submission
  - GET /api/workflows/{id}/signature - Get the pending signature request
  - POST /api/workflows/{id}/signature - Deliver a signed transaction
  - POST /api/workflows/{id}/signature/reject - Decline the pending request

# Backend Pass-Through

  - POST /api/identities/{id}/provision
  - GET /api/provision-jobs/{jobId}

# Health

  - GET /livez - Liveness check
  - GET /readyz - Readiness check
  - GET /drain - Gracefully mark server as not ready
  - GET /undrain - Mark server as ready

# Example Usage

	metricsSrv, err := metrics.New(common.PackageName, ":9090")
	...
	manager := workflow.NewManager(orchestrator, logger)
	handler := httpserver.NewHandler(manager, builder, logger)
	proxy, err := httpserver.NewBackendProxy("https://backend.example", logger)
	...
	server, err := httpserver.New(cfg, handler, proxy, metricsSrv)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	server.RunInBackground()
	defer server.Shutdown()
*/
package httpserver
