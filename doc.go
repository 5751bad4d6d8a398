// Package augmentos is the cloud event core for a smart-glasses platform.
//
// The core sits between result producers (transcription, insight and
// location agents publishing on NATS) and two kinds of consumers:
//
// Apps hold a persistent WebSocket channel to the cloud. The connection
// registry (registry package) tracks registered apps and establishes their
// channels lazily: when a result arrives for an app with no live channel,
// the broker fires the app's connect webhook and waits for the app to dial
// back. Results are pushed best effort, filtered by each app's topic
// subscriptions.
//
// Devices (the glasses) poll over HTTP. The per-user inbox (inbox package)
// stores every result in an append-only per-category log and tracks a
// consumed-id set per (user, device) pair, so each device sees each entry
// exactly once while devices remain independent of each other. Records are
// persisted in a JetStream KV bucket with compare-and-set updates; a
// development mode runs on an in-memory store instead.
//
// The relay package subscribes to the producer subjects, persists incoming
// results and pushes them to subscribed apps. Interim transcription
// segments are assembled into utterances with the pkg/debounce timing state
// machine before they enter the inbox.
//
// The gateway package exposes the HTTP and WebSocket surface: app
// registration, channel handshakes, device polling, health and Prometheus
// metrics. cmd/augmentos wires everything together.
package augmentos
