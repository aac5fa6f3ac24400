// Package api is the HTTP client for the conversion server JSON API. Routes
// consumed:
//   - GET /api/progress/{job_id} for status snapshots.
//   - POST /api/retry/{job_id} to resume a failed job.
//   - POST /api/convert with {"job_id": ...} to start a conversion.
//
// Non-2xx responses surface as *StatusError and {"success": false} bodies as
// *RejectedError. Package apitest provides a scripted fake server.
package api
