// Package rabbitmq is the broker layer of the fabric.
//
// This package includes:
//   - ConnectionManager: one lazily dialed connection per Mode, kept for the
//     manager's lifetime
//   - ChannelPool: exclusive checkout of publisher channels with confirm tracking
//   - Provisioner: idempotent declaration of exchanges, queues and bindings
//   - Publisher: confirmed publishing with broker errors mapped to sentinels
//   - Consumer: dedicated consumer channels and delivery loops
//
// Two connection modes coexist in one process. ModeBlocking backs request
// paths that publish and provision; ModeNonBlocking backs long-running
// consumers. Connections are never reconnected automatically: once the broker
// closes one, calls for that mode fail with ErrConnectionClosed and recovery is
// up to the caller.
package rabbitmq
