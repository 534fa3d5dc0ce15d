/*
Package statemachine implements Conflux's replicated state machine: the
raft.FSM that turns committed log entries into Config/ConfigVersion/
ReleaseProposal state, answers non-consensus queries, and publishes
ChangeEvents to pkg/watchhub.

Apply holds FSM's write lock for the full decode-validate-stage-commit
sequence; queries take the read lock, so a query never observes a
partially-applied entry. This is a mutex-based rendering of "stage in a
scratch, then atomically swap into the live indexes" rather than a
literal copy-on-write structure — the external consistency it gives
callers is the same.

Business validation failures return a negative Response and leave all
state untouched; decode failures and storage failures are fatal and
panic, which is hashicorp/raft's documented way for an FSM to signal
that a node must stop participating in consensus.
*/
package statemachine
