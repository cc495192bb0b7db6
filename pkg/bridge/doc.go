// Copyright 2024-2026 Aiku AI

// Package bridge implements a Matrix-Mattermost message relay with puppet
// identity routing: each Matrix user can post to Mattermost under a
// dedicated bot account rather than a shared relay identity. Puppets are
// configured via environment variables (BRIDGE_PUPPET_*) or the hot-reload
// HTTP API at POST /api/reload-puppets.
//
// # Core Types
//
// [Bridge] owns the component graph and the lifecycle: it connects both
// protocol feeds, restores persisted state, and serves the admin API.
//
// [PuppetMap] holds the identity mapping as an immutable [Snapshot] behind
// an atomic pointer. Reloads build and validate a complete new snapshot and
// then swap it in one step, so concurrent relays never observe a partial
// mapping.
//
// [Router] resolves each inbound event to an outbound identity through a
// fixed chain (forwarded-author metadata, then sender, then the relay
// fallback with a sender prefix) and performs the cross-protocol send. A
// message is never dropped for lack of a puppet.
//
// # Echo Prevention
//
// [EchoGuard] applies a multi-layer check before any relay: own-identity
// filtering, protocol-native relayed markers, the puppet destination index,
// and payload fingerprints of recent relays held in [RelayRecords]. These
// layers must not be simplified or removed.
//
// # Sub-packages
//
//   - matrixfmt converts Matrix HTML to Mattermost markdown.
//   - mattermostfmt converts Mattermost markdown to Matrix HTML.
package bridge
