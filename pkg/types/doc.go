/*
Package types defines Conflux's domain model: the entities the
replicated state machine applies commands against and the read path
resolves releases over.

# Core Types

  - Namespace: the (tenant, app, env) triple identifying a configuration scope.
  - Config: one record per logical configuration file, holding its Release rules.
  - ConfigVersion: an immutable content snapshot of a Config.
  - Release: a label-set targeting rule mapping to a version id with a priority.
  - ChangeEvent: the notification record fanned out by the watch hub.
  - ReleaseProposal: the approval-workflow entity (external policy engine, internal storage).

These types are shared by pkg/storage, pkg/statemachine, pkg/raftnode and
pkg/watchhub. They carry no behavior beyond what the state machine needs
to stay deterministic (see pkg/statemachine).
*/
package types
