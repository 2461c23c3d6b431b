// Package memory implements the token budgeted context memory used to build
// each model call, plus an in-process CandidateStore for tests and demos.
//
// A Manager splits a global per-turn token budget across named pools
// (Core, ActiveSession, RecentHistory, Recall, Buffer). Each pool evicts
// independently; GatherMemory then walks the pools in registration order and
// returns one list of items that fits the caller's budget.
//
// Evicting from ActiveSession does not simply drop text: evicted batches are
// handed to a summarization worker and the summaries land in RecentHistory.
package memory
