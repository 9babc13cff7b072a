// Package printbridge is a remote-control bridge for a 3D-printer control
// host. It sits between the host process and network clients, owning the
// concerns the host itself must not: request correlation, status fan-out,
// authorization, and file-mutation safety.
//
// # Architecture
//
// The host dials the bridge over a unix domain socket and speaks
// NUL-delimited JSON (bridge). Client requests enter over HTTP or JSON-RPC
// 2.0 websocket (gateway), are authorized (auth), correlated with host
// responses under per-command deadlines (registry), and resolved exactly
// once. Status flows the other way: a tiered multiplexer (status) polls the
// host on a fixed tick, merges subscriptions across clients, and pushes
// filtered updates to every websocket client.
//
// Components follow a common lifecycle: construction validates
// configuration, Start(ctx) begins background work, Stop(timeout) drains
// it. Errors carry classification (errors) so callers can choose between
// retry and fail-fast; metrics are Prometheus throughout and optional per
// component (metric).
//
// The server package is the composition root; cmd/printbridge is the
// binary.
package printbridge
