// Package core holds the domain types and collaborator contracts shared by the
// contextmesh components:
//
//   - Content / Part values exchanged with model transports
//   - FunctionCall / FunctionResponse for model requested tool calls
//   - Candidate records returned by the persistent memory store
//   - CandidateStore, Embedder and Tagger collaborator interfaces
//   - The error taxonomy (sentinel errors checked with errors.Is)
//
// Concrete behaviour lives in the component packages (memory, queue, endpoint,
// tool, retrieval, engine). Keeping the contracts here avoids import cycles
// between those packages.
package core
