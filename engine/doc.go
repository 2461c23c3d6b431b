// Package engine runs conversation turns against a pool of model endpoints.
//
// An Engine is the single orchestration context of a process. It owns:
//
//   - the memory.Manager whose pools are gathered into every request
//   - the queue.Queue that serializes model work by priority
//   - an endpoint.Dispatcher for failover across registered endpoints
//   - an optional tool.Executor for model requested tool calls
//
// # Turn lifecycle
//
// Turn enqueues one job at the interactive priority. Inside the job the engine
// recalls relevant stored memories into the Recall pool, gathers memory for
// the context that is left after the user message and a fixed overhead,
// renders background pools as labelled system text and replays ActiveSession
// as chat history. The request is dispatched; when the model asks for tools
// the calls run concurrently on the executor and their outputs are folded
// back until the model answers or MaxToolIterations is reached. Finally both
// sides of the exchange are stored in ActiveSession.
//
// Text evicted from ActiveSession reaches Summarize through the memory
// manager's worker. Summaries run as background jobs on the same queue, so
// they wait behind interactive turns.
//
// # Callbacks
//
// CallbackManager hooks observe the turn before and after each model call and
// tool call, and on failure. A BeforeModel or BeforeTool error aborts that
// step; errors from the After hooks are logged only.
package engine
