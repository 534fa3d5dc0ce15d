/*
Package watchhub is Conflux's watch hub: in-memory fan-out from
pkg/statemachine's committed ChangeEvents to subscribers registered on a
watch key ("tenant/app/env/name").

A Hub shards its watch-key map across 16 locks to keep Subscribe/Publish
contention local to one shard instead of one global mutex, the way a
high-subscriber-count config service needs to.

Publish never blocks: a full subscriber channel is skipped, not waited on,
and the skip is recorded so the subscriber's next Recv reports Lagged(n)
instead of silently losing events without any signal.
*/
package watchhub
