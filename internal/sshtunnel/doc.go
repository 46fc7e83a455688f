// Package sshtunnel exposes a remote Docker engine on a loopback port by
// forwarding connections through an SSH session.
//
// # Tunnel Architecture
//
// Each [Tunnel] binds an ephemeral port on 127.0.0.1 and forwards every
// accepted connection over its own SSH channel to one fixed upstream:
// 127.0.0.1:2375 on the remote host by default, or a remote unix socket.
// This is the equivalent of ssh -L. Bytes are relayed unmodified. A failed
// upstream dial only closes the connection that triggered it.
//
// # Lifecycle
//
//  1. Open: [Manager.Open] builds auth, closes any tunnel already tracked
//     for the host id, binds the listener, then dials and authenticates
//     within the connect timeout. If the session cannot be established the
//     listener is released before the error is returned.
//
//  2. Keepalive: keepalive@openssh.com is sent every interval. After the
//     configured number of consecutive failures the tunnel tears itself
//     down.
//
//  3. Teardown: triggered by [Tunnel.Close], a listener error, the end of
//     the SSH session or a keepalive failure. The listener is closed before
//     the session. Teardown runs once and the tunnel is untracked once,
//     after which [Manager.OnTunnelClosed] callbacks fire with the reason.
//
// # Host Keys
//
// Pass a callback from [KnownHostsCallback] to verify host keys. Without
// one, keys are accepted and a warning is logged.
//
// # Log Prefixes
//
// Tunnel operations use the [tunnel] prefix.
package sshtunnel
