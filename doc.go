// Package ringboot is the bootstrap rendezvous and out-of-band control
// plane of a collective-communications group: it lets N mutually unaware
// processes (ranks) find each other through a single well-known endpoint,
// stitches a bidirectional logical ring between them, and gathers the
// per-rank addresses the data-plane transports need.
//
// ## How it works
//
// One rank calls `GetUniqueID` and obtains a `Handle`: the root's
// rendezvous address plus a 64-bit random magic. The handle is handed to
// every other rank out-of-band, typically by the job launcher. The handle
// owner hosts the root coordinator, a detached task which collects one
// check-in per rank, then dials each rank back with the address of its
// right-hand ring neighbour and exits.
//
// Each rank's `Init` stitches its two ring sockets from that callback and
// allgathers the full peer address table. From then on the state supports
// small point-to-point messages (`Send`/`Recv` with first-come-first-matched
// tags and an unexpected-connection queue), a ring `AllGather`, a
// dissemination `Barrier`, sub-group collectives, and `Split` for carving
// child groups over the parent's own messaging.
//
// The bootstrap channel is for kilobyte-scale metadata, not payload
// transfer. Membership is fixed: ranks cannot join or leave after
// initialization, and a failed rank aborts the whole group. The only
// cancellation mechanism is a shared abort flag polled by every blocking
// operation.
package ringboot
