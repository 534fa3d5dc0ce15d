package types

import (
	"time"
)

// ConfigFormat enumerates the recognized content formats for a ConfigVersion.
type ConfigFormat string

const (
	FormatJSON       ConfigFormat = "JSON"
	FormatTOML       ConfigFormat = "TOML"
	FormatYAML       ConfigFormat = "YAML"
	FormatXML        ConfigFormat = "XML"
	FormatINI        ConfigFormat = "INI"
	FormatPROPERTIES ConfigFormat = "PROPERTIES"
	FormatRAW        ConfigFormat = "RAW"
)

// EventKind enumerates the kinds of change notification emitted by the
// state machine's apply path.
type EventKind string

const (
	EventUpsert         EventKind = "UPSERT"
	EventDelete         EventKind = "DELETE"
	EventReleaseUpdated EventKind = "RELEASE_UPDATED"
)

// ProposalStatus tracks an approval-workflow proposal through its lifecycle.
// The approval engine itself is an external collaborator; Conflux only
// stores and transitions this status deterministically via Raft commands.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "PENDING"
	ProposalApproved ProposalStatus = "APPROVED"
	ProposalExecuted ProposalStatus = "EXECUTED"
	ProposalRejected ProposalStatus = "REJECTED"
)

// Namespace identifies a configuration scope as the (tenant, app, env)
// triple. Equality of all three labels defines identity.
type Namespace struct {
	Tenant string
	App    string
	Env    string
}

// WatchKey returns the "tenant/app/env/name" string identifying a
// subscribable configuration, as defined in the glossary.
func (n Namespace) WatchKey(name string) string {
	return n.Tenant + "/" + n.App + "/" + n.Env + "/" + name
}

// Release is a targeting rule mapping a label set to a version id with a
// priority. Resolution order is priority descending, then the
// lexicographic order of the serialized "k1=v1,k2=v2" label string
// ascending (see statemachine.SortReleases).
type Release struct {
	Labels    map[string]string
	VersionID uint64
	Priority  int32
}

// Config is one record per logical configuration file.
type Config struct {
	ID              uint64
	Namespace       Namespace
	Name            string
	LatestVersionID uint64
	Releases        []Release
	Schema          []byte
	Retention       *RetentionPolicy
	Approval        *ApprovalSettings
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RetentionPolicy bounds how many ConfigVersions a Config keeps. Policy
// evaluation (when to purge) is external; this struct is the stable
// target PurgeVersions commands are issued against.
type RetentionPolicy struct {
	MaxVersions  int
	MaxAge       time.Duration
	KeepReleased bool
}

// ApprovalSettings gates Publish-style changes behind a ReleaseProposal.
type ApprovalSettings struct {
	Required          bool
	RequiredApprovers int
}

// ConfigVersion is an immutable content snapshot of a Config. Once
// written, no field mutates.
type ConfigVersion struct {
	ID          uint64
	ConfigID    uint64
	Content     []byte
	ContentHash [32]byte // sha256(Content)
	Format      ConfigFormat
	IsEncrypted bool
	WrappedDEK  []byte // opaque; the core never decrypts
	KEKID       string
	CreatorID   uint64
	Description string
	CreatedAt   time.Time
}

// ChangeEvent is the notification record published after a successful
// apply, fanned out by the watch hub.
type ChangeEvent struct {
	Kind         EventKind
	Namespace    Namespace
	ConfigName   string
	NewVersionID uint64 // 0 for DELETE
	Description  string
	Timestamp    time.Time
}

// ReleaseProposal tracks a release change awaiting approval. The
// approval policy engine is external; Conflux only stores the
// proposed change and its PENDING/APPROVED/EXECUTED/REJECTED status.
type ReleaseProposal struct {
	ID          uint64
	ConfigID    uint64
	NewContent  []byte
	NewFormat   ConfigFormat
	NewReleases []Release
	Description string
	ProposerID  uint64
	Status      ProposalStatus
	Approvals   []uint64 // approver ids
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
