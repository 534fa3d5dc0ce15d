package statemachine

import (
	"encoding/json"
	"time"

	"github.com/confluxdb/conflux/pkg/types"
)

// CommandType tags a Command's payload variant: the core config/version
// command set plus the approval-workflow variants.
type CommandType string

const (
	CmdCreateConfig       CommandType = "CreateConfig"
	CmdCreateVersion      CommandType = "CreateVersion"
	CmdUpdateReleaseRules CommandType = "UpdateReleaseRules"
	CmdDeleteConfig       CommandType = "DeleteConfig"
	CmdPurgeVersions      CommandType = "PurgeVersions"
	CmdPublish            CommandType = "Publish"
	CmdProposeRelease     CommandType = "ProposeRelease"
	CmdApproveProposal    CommandType = "ApproveProposal"
	CmdRejectProposal     CommandType = "RejectProposal"
	CmdExecuteProposal    CommandType = "ExecuteProposal"
)

// Command is the self-describing tagged-union payload carried by every
// Raft log entry of type raft.LogCommand.
type Command struct {
	Type CommandType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode marshals a typed payload into a Command ready for raft.Apply.
func Encode(t CommandType, payload interface{}) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{Type: t, Data: data}, nil
}

// Every command payload carries its own Timestamp, minted by the leader
// at propose time: apply must stay deterministic across every replica,
// so it never reads the wall clock.

type CreateConfigPayload struct {
	Namespace      types.Namespace    `json:"namespace"`
	Name           string             `json:"name"`
	InitialContent []byte             `json:"initial_content"`
	Format         types.ConfigFormat `json:"format"`
	CreatorID      uint64             `json:"creator_id"`
	Description    string             `json:"description"`
	InitialRelease types.Release      `json:"initial_release"`
	Schema         []byte             `json:"schema,omitempty"`
	Retention      *types.RetentionPolicy `json:"retention,omitempty"`
	Approval       *types.ApprovalSettings `json:"approval,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

type CreateVersionPayload struct {
	ConfigID       uint64              `json:"config_id"`
	Content        []byte              `json:"content"`
	FormatOverride *types.ConfigFormat `json:"format_override,omitempty"`
	Description    string              `json:"description"`
	CreatorID      uint64              `json:"creator_id"`
	WrappedDEK     []byte              `json:"wrapped_dek,omitempty"`
	KEKID          string              `json:"kek_id,omitempty"`
	IsEncrypted    bool                `json:"is_encrypted"`
	Timestamp      time.Time           `json:"timestamp"`
}

type UpdateReleaseRulesPayload struct {
	ConfigID  uint64          `json:"config_id"`
	Releases  []types.Release `json:"releases"`
	UpdaterID uint64          `json:"updater_id"`
	Timestamp time.Time       `json:"timestamp"`
}

type DeleteConfigPayload struct {
	ConfigID  uint64    `json:"config_id"`
	Timestamp time.Time `json:"timestamp"`
}

type PurgeVersionsPayload struct {
	VersionsByConfig map[uint64][]uint64 `json:"versions_by_config"`
	Timestamp        time.Time           `json:"timestamp"`
}

type PublishPayload struct {
	ConfigID     uint64              `json:"config_id"`
	Content      []byte              `json:"content"`
	Format       types.ConfigFormat  `json:"format"`
	NewReleases  []types.Release     `json:"new_releases"`
	CreatorID    uint64              `json:"creator_id"`
	Description  string              `json:"description"`
	WrappedDEK   []byte              `json:"wrapped_dek,omitempty"`
	KEKID        string              `json:"kek_id,omitempty"`
	IsEncrypted  bool                `json:"is_encrypted"`
	Timestamp    time.Time           `json:"timestamp"`
}

type ProposeReleasePayload struct {
	ConfigID    uint64          `json:"config_id"`
	NewContent  []byte          `json:"new_content"`
	NewFormat   types.ConfigFormat `json:"new_format"`
	NewReleases []types.Release `json:"new_releases"`
	Description string          `json:"description"`
	ProposerID  uint64          `json:"proposer_id"`
	Timestamp   time.Time       `json:"timestamp"`
}

type ApproveProposalPayload struct {
	ProposalID uint64    `json:"proposal_id"`
	ApproverID uint64    `json:"approver_id"`
	Timestamp  time.Time `json:"timestamp"`
}

type RejectProposalPayload struct {
	ProposalID uint64    `json:"proposal_id"`
	ApproverID uint64    `json:"approver_id"`
	Timestamp  time.Time `json:"timestamp"`
}

type ExecuteProposalPayload struct {
	ProposalID uint64    `json:"proposal_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Response is the per-entry outcome recorded for CommandType handling,
// returned by raft.FSM.Apply and retrievable by the node via the applied
// future's Response(). A Negative response means business validation
// failed: the command was committed by quorum and applied identically
// everywhere, but left state unchanged.
type Response struct {
	OK     bool        `json:"ok"`
	Code   string      `json:"code,omitempty"`
	Reason string      `json:"reason,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

func negative(code, reason string) *Response {
	return &Response{OK: false, Code: code, Reason: reason}
}

func success(result interface{}) *Response {
	return &Response{OK: true, Result: result}
}
