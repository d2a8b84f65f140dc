// Package reggraph maintains a temporally versioned graph of regulatory
// provisions extracted from normalized regulatory documents.
//
// The pipeline has three stages. The extractor turns raw document text into a
// sequence of typed entity spans (obligations, prohibitions, thresholds,
// jurisdictions, and friends). Entity batches travel over a pubsub boundary to
// the graph store, which merges them into a bitemporal provision graph with
// full provenance and supersession history. Read-only analytics then query
// that graph for cross-jurisdiction threshold divergence and coverage gaps.
//
// A provision is the versioned unit of regulatory meaning. Its identity (pid)
// derives deterministically from the document and character span it was
// extracted from; its content hash decides whether a re-ingestion is a no-op
// or closes the current version and opens a superseding one. History is
// append-only: versions are closed, never deleted.
//
// The diff engine in this package compares two normalized documents directly,
// without touching the graph, and shares the same entity model.
package reggraph
