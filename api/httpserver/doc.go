// Package httpserver provides the HTTP server shared by the host and member
// binaries.
//
// BaseServer mounts the routes of any RouteRegistrar next to a fixed set of
// operational endpoints:
//
//   - /livez   - the process is running
//   - /readyz  - 503 while draining
//   - /drain   - mark the server not ready ahead of a shutdown
//   - /undrain - mark it ready again
//
// Requests to the operational endpoints are logged through httplogger; the
// registrars choose their own middleware.
package httpserver
