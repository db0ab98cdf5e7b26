// Package engine orchestrates chat turns for attache sessions.
//
// # Turn lifecycle
//
// Each send request moves through a fixed sequence of phases:
//
//	Staging -> Committing -> AwaitingModel -> Completed | Failed
//
//  1. Staging: read the session's document stage.
//  2. Committing: encode staged documents (full extracted text) plus the
//     user's text into one tagged user turn, append it to the log, and
//     clear the stage. The append is the durability point: once it
//     returns, the message and its documents are permanently recorded
//     even if every later step fails.
//  3. AwaitingModel: read the full log, trim it to the token budget,
//     optionally fetch retrieval context, and invoke the model.
//  4. Completed: append the assistant turn.
//
// A model failure leaves the committed user turn in place; nothing is
// rolled back. SendError carries a Committed flag so callers can tell
// "your message may already be recorded" apart from "nothing was
// recorded", and Retry re-runs only the model step.
//
// # Concurrency
//
// Session state is guarded by a per-session mutex, so concurrent sends to
// the same session serialize their log and stage mutations while unrelated
// sessions proceed independently. The lock is never held across the
// retrieval or model calls - those are the only operations expected to
// suspend for significant wall-clock time.
//
// # What the model sees
//
// The model receives turn content exactly as committed to the log,
// markers included: the log is the single source of truth and no parallel
// untagged history is maintained.
package engine
