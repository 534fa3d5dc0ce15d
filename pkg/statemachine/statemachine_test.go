package statemachine

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confluxdb/conflux/pkg/coreerr"
	"github.com/confluxdb/conflux/pkg/storage"
	"github.com/confluxdb/conflux/pkg/types"
	"github.com/confluxdb/conflux/pkg/watchhub"
)

func openTestFSM(t *testing.T) *FSM {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "conflux-sm-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	db, err := storage.Open(tmpDir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f, err := New(db, watchhub.New())
	require.NoError(t, err)
	return f
}

var nextIndex uint64

func applyCommand(t *testing.T, f *FSM, cmdType CommandType, payload interface{}) *Response {
	t.Helper()
	cmd, err := Encode(cmdType, payload)
	require.NoError(t, err)
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	nextIndex++
	resp := f.Apply(&raft.Log{Index: nextIndex, Type: raft.LogCommand, Data: data})
	r, ok := resp.(*Response)
	require.True(t, ok, "Apply must return *Response")
	return r
}

func TestCreateConfig_SucceedsAndIsResolvable(t *testing.T) {
	f := openTestFSM(t)
	ns := types.Namespace{Tenant: "acme", App: "web", Env: "prod"}

	resp := applyCommand(t, f, CmdCreateConfig, CreateConfigPayload{
		Namespace:      ns,
		Name:           "db-url",
		InitialContent: []byte("postgres://localhost"),
		Format:         types.FormatRAW,
		CreatorID:      1,
		InitialRelease: types.Release{Priority: 0},
		Timestamp:      time.Now().UTC(),
	})
	require.True(t, resp.OK)
	cfg := resp.Result.(*types.Config)
	assert.Equal(t, uint64(1), cfg.LatestVersionID)

	ver, err := f.Resolve(ns, "db-url", nil)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost", string(ver.Content))
}

func TestCreateConfig_DuplicateNameIsNegative(t *testing.T) {
	f := openTestFSM(t)
	ns := types.Namespace{Tenant: "acme", App: "web", Env: "prod"}
	payload := CreateConfigPayload{Namespace: ns, Name: "x", InitialRelease: types.Release{}, Timestamp: time.Now().UTC()}

	first := applyCommand(t, f, CmdCreateConfig, payload)
	require.True(t, first.OK)

	second := applyCommand(t, f, CmdCreateConfig, payload)
	assert.False(t, second.OK)
	assert.Equal(t, string(coreerr.CodeAlreadyExists), second.Code)
}

func TestCreateConfig_MissingNamespaceIsNegative(t *testing.T) {
	f := openTestFSM(t)
	resp := applyCommand(t, f, CmdCreateConfig, CreateConfigPayload{Name: "x", Timestamp: time.Now().UTC()})
	assert.False(t, resp.OK)
	assert.Equal(t, string(coreerr.CodeInvalidArgument), resp.Code)
}

func createTestConfig(t *testing.T, f *FSM, ns types.Namespace, name string) uint64 {
	t.Helper()
	resp := applyCommand(t, f, CmdCreateConfig, CreateConfigPayload{
		Namespace:      ns,
		Name:           name,
		InitialContent: []byte("v1"),
		Format:         types.FormatRAW,
		InitialRelease: types.Release{Priority: 0},
		Timestamp:      time.Now().UTC(),
	})
	require.True(t, resp.OK)
	return resp.Result.(*types.Config).ID
}

func TestCreateVersion_AssignsNextSequentialID(t *testing.T) {
	f := openTestFSM(t)
	ns := types.Namespace{Tenant: "acme", App: "web", Env: "prod"}
	configID := createTestConfig(t, f, ns, "x")

	resp := applyCommand(t, f, CmdCreateVersion, CreateVersionPayload{
		ConfigID:  configID,
		Content:   []byte("v2"),
		Timestamp: time.Now().UTC(),
	})
	require.True(t, resp.OK)
	ver := resp.Result.(types.ConfigVersion)
	assert.Equal(t, uint64(2), ver.ID)
}

func TestCreateVersion_UnknownConfigIsNegative(t *testing.T) {
	f := openTestFSM(t)
	resp := applyCommand(t, f, CmdCreateVersion, CreateVersionPayload{ConfigID: 999, Timestamp: time.Now().UTC()})
	assert.False(t, resp.OK)
	assert.Equal(t, string(coreerr.CodeNotFound), resp.Code)
}

func TestUpdateReleaseRules_RejectsUnknownVersion(t *testing.T) {
	f := openTestFSM(t)
	ns := types.Namespace{Tenant: "acme", App: "web", Env: "prod"}
	configID := createTestConfig(t, f, ns, "x")

	resp := applyCommand(t, f, CmdUpdateReleaseRules, UpdateReleaseRulesPayload{
		ConfigID:  configID,
		Releases:  []types.Release{{VersionID: 999}},
		Timestamp: time.Now().UTC(),
	})
	assert.False(t, resp.OK)
	assert.Equal(t, string(coreerr.CodePreconditionFailed), resp.Code)
}

func TestPublish_CreatesVersionAndUpdatesReleases(t *testing.T) {
	f := openTestFSM(t)
	ns := types.Namespace{Tenant: "acme", App: "web", Env: "prod"}
	configID := createTestConfig(t, f, ns, "x")

	resp := applyCommand(t, f, CmdPublish, PublishPayload{
		ConfigID:    configID,
		Content:     []byte("new content"),
		Format:      types.FormatRAW,
		NewReleases: []types.Release{{VersionID: 2, Priority: 1}},
		Timestamp:   time.Now().UTC(),
	})
	require.True(t, resp.OK)

	ver, err := f.Resolve(ns, "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "new content", string(ver.Content))
}

func TestDeleteConfig_RemovesAllVersions(t *testing.T) {
	f := openTestFSM(t)
	ns := types.Namespace{Tenant: "acme", App: "web", Env: "prod"}
	configID := createTestConfig(t, f, ns, "x")

	resp := applyCommand(t, f, CmdDeleteConfig, DeleteConfigPayload{ConfigID: configID, Timestamp: time.Now().UTC()})
	require.True(t, resp.OK)

	_, err := f.GetConfig(configID)
	assert.True(t, coreerr.IsCode(err, coreerr.CodeNotFound))
	_, err = f.Resolve(ns, "x", nil)
	assert.True(t, coreerr.IsCode(err, coreerr.CodeNotFound))
}

func TestPurgeVersions_SkipsReferencedVersions(t *testing.T) {
	f := openTestFSM(t)
	ns := types.Namespace{Tenant: "acme", App: "web", Env: "prod"}
	configID := createTestConfig(t, f, ns, "x")
	applyCommand(t, f, CmdCreateVersion, CreateVersionPayload{ConfigID: configID, Content: []byte("v2"), Timestamp: time.Now().UTC()})
	applyCommand(t, f, CmdCreateVersion, CreateVersionPayload{ConfigID: configID, Content: []byte("v3"), Timestamp: time.Now().UTC()})

	resp := applyCommand(t, f, CmdPurgeVersions, PurgeVersionsPayload{
		VersionsByConfig: map[uint64][]uint64{configID: {1, 2}}, // 1 is still the live release; 3 is the latest
		Timestamp:        time.Now().UTC(),
	})
	require.True(t, resp.OK)

	_, err := f.GetVersion(configID, 1)
	assert.NoError(t, err, "release-referenced version 1 must survive purge")
	_, err = f.GetVersion(configID, 2)
	assert.True(t, coreerr.IsCode(err, coreerr.CodeNotFound), "unreferenced version 2 must be purged")
}

func TestProposalWorkflow_ProposeApproveExecute(t *testing.T) {
	f := openTestFSM(t)
	ns := types.Namespace{Tenant: "acme", App: "web", Env: "prod"}
	configID := createTestConfig(t, f, ns, "x")

	proposeResp := applyCommand(t, f, CmdProposeRelease, ProposeReleasePayload{
		ConfigID:    configID,
		NewContent:  []byte("proposed content"),
		NewFormat:   types.FormatRAW,
		NewReleases: []types.Release{{VersionID: 2, Priority: 1}},
		ProposerID:  7,
		Timestamp:   time.Now().UTC(),
	})
	require.True(t, proposeResp.OK)
	proposalID := proposeResp.Result.(*types.ReleaseProposal).ID

	approveResp := applyCommand(t, f, CmdApproveProposal, ApproveProposalPayload{ProposalID: proposalID, ApproverID: 1, Timestamp: time.Now().UTC()})
	require.True(t, approveResp.OK)
	approved := approveResp.Result.(*types.ReleaseProposal)
	assert.Equal(t, types.ProposalApproved, approved.Status)

	execResp := applyCommand(t, f, CmdExecuteProposal, ExecuteProposalPayload{ProposalID: proposalID, Timestamp: time.Now().UTC()})
	require.True(t, execResp.OK)

	ver, err := f.Resolve(ns, "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "proposed content", string(ver.Content))
}

func TestApproveProposal_SameApproverTwiceDoesNotDoubleCount(t *testing.T) {
	f := openTestFSM(t)
	ns := types.Namespace{Tenant: "acme", App: "web", Env: "prod"}
	configID := createTestConfig(t, f, ns, "x")

	proposeResp := applyCommand(t, f, CmdProposeRelease, ProposeReleasePayload{
		ConfigID: configID, NewReleases: []types.Release{{VersionID: 2}}, Timestamp: time.Now().UTC(),
	})
	proposalID := proposeResp.Result.(*types.ReleaseProposal).ID

	// requiredApprovers defaults to 1 when Approval is unset, so the very
	// first approval already transitions to APPROVED; use a config with
	// RequiredApprovers=2 to exercise the same-approver-twice guard.
	cfg, err := f.GetConfig(configID)
	require.NoError(t, err)
	cfg.Approval = &types.ApprovalSettings{Required: true, RequiredApprovers: 2}
	f.configs[configID] = cfg

	r1 := applyCommand(t, f, CmdApproveProposal, ApproveProposalPayload{ProposalID: proposalID, ApproverID: 1, Timestamp: time.Now().UTC()})
	require.True(t, r1.OK)
	r2 := applyCommand(t, f, CmdApproveProposal, ApproveProposalPayload{ProposalID: proposalID, ApproverID: 1, Timestamp: time.Now().UTC()})
	require.True(t, r2.OK)

	prop := r2.Result.(*types.ReleaseProposal)
	assert.Len(t, prop.Approvals, 1)
	assert.Equal(t, types.ProposalPending, prop.Status, "still short of the 2-approver threshold")
}

func TestRejectProposal_CannotBeApprovedAfter(t *testing.T) {
	f := openTestFSM(t)
	ns := types.Namespace{Tenant: "acme", App: "web", Env: "prod"}
	configID := createTestConfig(t, f, ns, "x")

	proposeResp := applyCommand(t, f, CmdProposeRelease, ProposeReleasePayload{ConfigID: configID, Timestamp: time.Now().UTC()})
	proposalID := proposeResp.Result.(*types.ReleaseProposal).ID

	rejectResp := applyCommand(t, f, CmdRejectProposal, RejectProposalPayload{ProposalID: proposalID, ApproverID: 1, Timestamp: time.Now().UTC()})
	require.True(t, rejectResp.OK)

	approveResp := applyCommand(t, f, CmdApproveProposal, ApproveProposalPayload{ProposalID: proposalID, ApproverID: 1, Timestamp: time.Now().UTC()})
	assert.False(t, approveResp.OK)
	assert.Equal(t, string(coreerr.CodePreconditionFailed), approveResp.Code)
}

func TestExecuteProposal_RequiresApprovedStatus(t *testing.T) {
	f := openTestFSM(t)
	ns := types.Namespace{Tenant: "acme", App: "web", Env: "prod"}
	configID := createTestConfig(t, f, ns, "x")

	proposeResp := applyCommand(t, f, CmdProposeRelease, ProposeReleasePayload{ConfigID: configID, Timestamp: time.Now().UTC()})
	proposalID := proposeResp.Result.(*types.ReleaseProposal).ID

	execResp := applyCommand(t, f, CmdExecuteProposal, ExecuteProposalPayload{ProposalID: proposalID, Timestamp: time.Now().UTC()})
	assert.False(t, execResp.OK)
	assert.Equal(t, string(coreerr.CodePreconditionFailed), execResp.Code)
}

func TestResolve_PicksHighestPriorityMatchingRelease(t *testing.T) {
	f := openTestFSM(t)
	ns := types.Namespace{Tenant: "acme", App: "web", Env: "prod"}
	configID := createTestConfig(t, f, ns, "x")
	applyCommand(t, f, CmdCreateVersion, CreateVersionPayload{ConfigID: configID, Content: []byte("canary"), Timestamp: time.Now().UTC()})

	applyCommand(t, f, CmdUpdateReleaseRules, UpdateReleaseRulesPayload{
		ConfigID: configID,
		Releases: []types.Release{
			{VersionID: 1, Priority: 0},
			{VersionID: 2, Priority: 10, Labels: map[string]string{"canary": "true"}},
		},
		Timestamp: time.Now().UTC(),
	})

	ver, err := f.Resolve(ns, "x", map[string]string{"canary": "true"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ver.ID)

	ver, err = f.Resolve(ns, "x", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ver.ID)
}

func TestResolve_NoMatchingRuleIsNotFound(t *testing.T) {
	f := openTestFSM(t)
	ns := types.Namespace{Tenant: "acme", App: "web", Env: "prod"}
	configID := createTestConfig(t, f, ns, "x")
	applyCommand(t, f, CmdUpdateReleaseRules, UpdateReleaseRulesPayload{
		ConfigID:  configID,
		Releases:  []types.Release{{VersionID: 1, Labels: map[string]string{"region": "us"}}},
		Timestamp: time.Now().UTC(),
	})

	_, err := f.Resolve(ns, "x", map[string]string{"region": "eu"})
	assert.True(t, coreerr.IsCode(err, coreerr.CodeNotFound))
}

func TestListVersions_PaginatesAscending(t *testing.T) {
	f := openTestFSM(t)
	ns := types.Namespace{Tenant: "acme", App: "web", Env: "prod"}
	configID := createTestConfig(t, f, ns, "x")
	for i := 0; i < 3; i++ {
		applyCommand(t, f, CmdCreateVersion, CreateVersionPayload{ConfigID: configID, Content: []byte("v"), Timestamp: time.Now().UTC()})
	}

	page, err := f.ListVersions(configID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(1), page[0].ID)
	assert.Equal(t, uint64(2), page[1].ID)

	next, err := f.ListVersions(configID, page[len(page)-1].ID, 2)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, uint64(3), next[0].ID)
}

func TestSortReleases_PriorityDescendingThenLabelOrder(t *testing.T) {
	releases := []types.Release{
		{VersionID: 1, Priority: 0, Labels: map[string]string{"z": "1"}},
		{VersionID: 2, Priority: 5, Labels: map[string]string{"a": "1"}},
		{VersionID: 3, Priority: 5, Labels: map[string]string{"b": "1"}},
	}
	sorted := SortReleases(releases)
	assert.Equal(t, uint64(2), sorted[0].VersionID)
	assert.Equal(t, uint64(3), sorted[1].VersionID)
	assert.Equal(t, uint64(1), sorted[2].VersionID)
}

func TestStats_CountsConfigsAndPendingProposals(t *testing.T) {
	f := openTestFSM(t)
	ns := types.Namespace{Tenant: "acme", App: "web", Env: "prod"}
	configID := createTestConfig(t, f, ns, "x")
	applyCommand(t, f, CmdProposeRelease, ProposeReleasePayload{ConfigID: configID, Timestamp: time.Now().UTC()})

	stats := f.Stats()
	assert.Equal(t, 1, stats.Configs)
	assert.Equal(t, 1, stats.Proposals)
	assert.Equal(t, 1, stats.PendingApprove)
}

func TestApply_NonCommandLogAdvancesLastApplied(t *testing.T) {
	f := openTestFSM(t)
	f.Apply(&raft.Log{Index: 500, Type: raft.LogNoop})
	assert.Equal(t, uint64(500), f.LastApplied())
}

func TestNew_RebuildsIndexesFromExistingStorage(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "conflux-sm-restart-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	db, err := storage.Open(tmpDir)
	require.NoError(t, err)

	f, err := New(db, watchhub.New())
	require.NoError(t, err)
	ns := types.Namespace{Tenant: "acme", App: "web", Env: "prod"}
	configID := createTestConfig(t, f, ns, "x")
	require.NoError(t, db.Close())

	db2, err := storage.Open(tmpDir)
	require.NoError(t, err)
	defer db2.Close()
	f2, err := New(db2, watchhub.New())
	require.NoError(t, err)

	cfg, err := f2.GetConfig(configID)
	require.NoError(t, err)
	assert.Equal(t, "x", cfg.Name)
}
