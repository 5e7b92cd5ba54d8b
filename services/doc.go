/*
Package services wires hosts and members into runnable processes.

# HTTP APIs

MemberAPI exposes a member process's session registry:

  - GET  /availability        - whether another session can be joined
  - GET  /sessions            - every persisted task
  - POST /sessions            - join a session ({session_id, host_ip, host_port, bid})
  - GET  /sessions/{id}       - one task, live if the session is running
  - POST /sessions/{id}/leave - withdraw while still registering
  - PUT  /sessions/{id}/bid   - change the bid while still registering

HostAPI starts hosts and reports their status:

  - GET /sessions      - status of every hosted session
  - GET /sessions/{id} - status and outcome of one session

Both implement httpserver.RouteRegistrar and are mounted on a BaseServer by
the binaries in cmd/.

# Task stores

MemoryTaskStore keeps tasks in memory. PostgresTaskStore persists them to the
session_tasks table, which it creates on startup.

# Testing

The e2e tests run real hosts and members over loopback with the plaintext
engine. They take several seconds and are skipped with -short.
*/
package services
