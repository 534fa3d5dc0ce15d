package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/confluxdb/conflux/pkg/raftnode"
	"github.com/confluxdb/conflux/pkg/rpc"
	"github.com/confluxdb/conflux/pkg/statemachine"
	"github.com/confluxdb/conflux/pkg/types"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create, publish and resolve configurations against a running cluster",
}

func init() {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new config with its first version",
		RunE:  runConfigCreate,
	}
	addConfigTarget(createCmd)
	createCmd.Flags().String("file", "", "path to the initial content file (required)")
	createCmd.Flags().String("format", "RAW", "content format: JSON, YAML, TOML, XML, INI, PROPERTIES, RAW")
	createCmd.Flags().Uint64("creator-id", 0, "creator's numeric id")
	createCmd.Flags().String("description", "", "change description")
	createCmd.MarkFlagRequired("file")
	configCmd.AddCommand(createCmd)

	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a new version and point the catch-all release at it",
		RunE:  runConfigPublish,
	}
	publishCmd.Flags().String("addr", "", "node's RPC address (required)")
	publishCmd.Flags().Uint64("config-id", 0, "target config id (required)")
	publishCmd.Flags().String("file", "", "path to the new content file (required)")
	publishCmd.Flags().String("format", "RAW", "content format")
	publishCmd.Flags().Uint64("creator-id", 0, "publisher's numeric id")
	publishCmd.Flags().String("description", "", "change description")
	publishCmd.MarkFlagRequired("addr")
	publishCmd.MarkFlagRequired("config-id")
	publishCmd.MarkFlagRequired("file")
	configCmd.AddCommand(publishCmd)

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Resolve a config for a client's label set",
		RunE:  runConfigGet,
	}
	addConfigTarget(getCmd)
	getCmd.Flags().StringToString("label", nil, "client label, repeatable: --label region=us --label tier=canary")
	getCmd.Flags().String("consistency", "linearizable", "stale, leader_lease or linearizable")
	configCmd.AddCommand(getCmd)

	proposeCmd := &cobra.Command{
		Use:   "propose",
		Short: "Propose a release for a config that requires approval",
		RunE:  runConfigPropose,
	}
	proposeCmd.Flags().String("addr", "", "node's RPC address (required)")
	proposeCmd.Flags().Uint64("config-id", 0, "target config id (required)")
	proposeCmd.Flags().String("file", "", "path to the proposed content file (required)")
	proposeCmd.Flags().String("format", "RAW", "content format")
	proposeCmd.Flags().Uint64("proposer-id", 0, "proposer's numeric id")
	proposeCmd.Flags().String("description", "", "change description")
	proposeCmd.MarkFlagRequired("addr")
	proposeCmd.MarkFlagRequired("config-id")
	proposeCmd.MarkFlagRequired("file")
	configCmd.AddCommand(proposeCmd)

	approveCmd := proposalDecisionCmd("approve", "Approve a pending release proposal", statemachine.CmdApproveProposal)
	configCmd.AddCommand(approveCmd)
	rejectCmd := proposalDecisionCmd("reject", "Reject a pending release proposal", statemachine.CmdRejectProposal)
	configCmd.AddCommand(rejectCmd)

	executeCmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute an approved release proposal",
		RunE:  runConfigExecute,
	}
	executeCmd.Flags().String("addr", "", "node's RPC address (required)")
	executeCmd.Flags().Uint64("proposal-id", 0, "proposal id (required)")
	executeCmd.MarkFlagRequired("addr")
	executeCmd.MarkFlagRequired("proposal-id")
	configCmd.AddCommand(executeCmd)

	rootCmd.AddCommand(configCmd)
}

func addConfigTarget(cmd *cobra.Command) {
	cmd.Flags().String("addr", "", "node's RPC address (required)")
	cmd.Flags().String("tenant", "", "tenant (required)")
	cmd.Flags().String("app", "", "app (required)")
	cmd.Flags().String("env", "", "env (required)")
	cmd.Flags().String("name", "", "config name (required)")
	cmd.MarkFlagRequired("addr")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("app")
	cmd.MarkFlagRequired("env")
	cmd.MarkFlagRequired("name")
}

func namespaceFromFlags(cmd *cobra.Command) (types.Namespace, string) {
	tenant, _ := cmd.Flags().GetString("tenant")
	app, _ := cmd.Flags().GetString("app")
	env, _ := cmd.Flags().GetString("env")
	name, _ := cmd.Flags().GetString("name")
	return types.Namespace{Tenant: tenant, App: app, Env: env}, name
}

func dialWithDeadline(addr string) (*rpc.Client, context.Context, context.CancelFunc, error) {
	client, err := rpc.Dial(addr, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	return client, ctx, cancel, nil
}

func runConfigCreate(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	file, _ := cmd.Flags().GetString("file")
	format, _ := cmd.Flags().GetString("format")
	creatorID, _ := cmd.Flags().GetUint64("creator-id")
	description, _ := cmd.Flags().GetString("description")
	ns, name := namespaceFromFlags(cmd)

	content, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	client, ctx, cancel, err := dialWithDeadline(addr)
	if err != nil {
		return err
	}
	defer cancel()
	defer client.Close()

	command, err := statemachine.Encode(statemachine.CmdCreateConfig, statemachine.CreateConfigPayload{
		Namespace:      ns,
		Name:           name,
		InitialContent: content,
		Format:         types.ConfigFormat(format),
		CreatorID:      creatorID,
		Description:    description,
		Timestamp:      requestTime(),
	})
	if err != nil {
		return err
	}
	resp, err := client.Write(ctx, command)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func runConfigPublish(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	configID, _ := cmd.Flags().GetUint64("config-id")
	file, _ := cmd.Flags().GetString("file")
	format, _ := cmd.Flags().GetString("format")
	creatorID, _ := cmd.Flags().GetUint64("creator-id")
	description, _ := cmd.Flags().GetString("description")

	content, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	client, ctx, cancel, err := dialWithDeadline(addr)
	if err != nil {
		return err
	}
	defer cancel()
	defer client.Close()

	cfg, err := client.GetConfig(ctx, raftnode.Linearizable, configID)
	if err != nil {
		return err
	}
	nextVersionID := cfg.LatestVersionID + 1
	releases := []types.Release{{VersionID: nextVersionID, Priority: 0}}

	command, err := statemachine.Encode(statemachine.CmdPublish, statemachine.PublishPayload{
		ConfigID:    configID,
		Content:     content,
		Format:      types.ConfigFormat(format),
		NewReleases: releases,
		CreatorID:   creatorID,
		Description: description,
		Timestamp:   requestTime(),
	})
	if err != nil {
		return err
	}
	resp, err := client.Write(ctx, command)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	labels, _ := cmd.Flags().GetStringToString("label")
	consistencyFlag, _ := cmd.Flags().GetString("consistency")
	ns, name := namespaceFromFlags(cmd)

	consistency, err := parseConsistency(consistencyFlag)
	if err != nil {
		return err
	}

	client, ctx, cancel, err := dialWithDeadline(addr)
	if err != nil {
		return err
	}
	defer cancel()
	defer client.Close()

	ver, err := client.Resolve(ctx, consistency, ns, name, labels)
	if err != nil {
		return err
	}
	fmt.Printf("version=%d format=%s description=%q\n%s\n", ver.ID, ver.Format, ver.Description, ver.Content)
	return nil
}

func runConfigPropose(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	configID, _ := cmd.Flags().GetUint64("config-id")
	file, _ := cmd.Flags().GetString("file")
	format, _ := cmd.Flags().GetString("format")
	proposerID, _ := cmd.Flags().GetUint64("proposer-id")
	description, _ := cmd.Flags().GetString("description")

	content, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	client, ctx, cancel, err := dialWithDeadline(addr)
	if err != nil {
		return err
	}
	defer cancel()
	defer client.Close()

	cfg, err := client.GetConfig(ctx, raftnode.Linearizable, configID)
	if err != nil {
		return err
	}
	nextVersionID := cfg.LatestVersionID + 1
	releases := []types.Release{{VersionID: nextVersionID, Priority: 0}}

	command, err := statemachine.Encode(statemachine.CmdProposeRelease, statemachine.ProposeReleasePayload{
		ConfigID:    configID,
		NewContent:  content,
		NewFormat:   types.ConfigFormat(format),
		NewReleases: releases,
		Description: description,
		ProposerID:  proposerID,
		Timestamp:   requestTime(),
	})
	if err != nil {
		return err
	}
	resp, err := client.Write(ctx, command)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

// proposalDecisionCmd builds the approve/reject commands, which share the
// same (proposal-id, approver-id) shape and only differ in CommandType.
func proposalDecisionCmd(use, short string, cmdType statemachine.CommandType) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			proposalID, _ := cmd.Flags().GetUint64("proposal-id")
			approverID, _ := cmd.Flags().GetUint64("approver-id")

			client, ctx, cancel, err := dialWithDeadline(addr)
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			var command statemachine.Command
			switch cmdType {
			case statemachine.CmdApproveProposal:
				command, err = statemachine.Encode(cmdType, statemachine.ApproveProposalPayload{
					ProposalID: proposalID, ApproverID: approverID, Timestamp: requestTime(),
				})
			default:
				command, err = statemachine.Encode(cmdType, statemachine.RejectProposalPayload{
					ProposalID: proposalID, ApproverID: approverID, Timestamp: requestTime(),
				})
			}
			if err != nil {
				return err
			}
			resp, err := client.Write(ctx, command)
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
	c.Flags().String("addr", "", "node's RPC address (required)")
	c.Flags().Uint64("proposal-id", 0, "proposal id (required)")
	c.Flags().Uint64("approver-id", 0, "approver's numeric id")
	c.MarkFlagRequired("addr")
	c.MarkFlagRequired("proposal-id")
	return c
}

func runConfigExecute(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	proposalID, _ := cmd.Flags().GetUint64("proposal-id")

	client, ctx, cancel, err := dialWithDeadline(addr)
	if err != nil {
		return err
	}
	defer cancel()
	defer client.Close()

	command, err := statemachine.Encode(statemachine.CmdExecuteProposal, statemachine.ExecuteProposalPayload{
		ProposalID: proposalID,
		Timestamp:  requestTime(),
	})
	if err != nil {
		return err
	}
	resp, err := client.Write(ctx, command)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func parseConsistency(s string) (raftnode.Consistency, error) {
	switch s {
	case "stale":
		return raftnode.Stale, nil
	case "leader_lease":
		return raftnode.LeaderLease, nil
	case "linearizable":
		return raftnode.Linearizable, nil
	default:
		return 0, fmt.Errorf("unknown consistency %q (want stale, leader_lease or linearizable)", s)
	}
}

func printResponse(resp *statemachine.Response) error {
	if !resp.OK {
		return fmt.Errorf("%s: %s", resp.Code, resp.Reason)
	}
	fmt.Printf("%+v\n", resp.Result)
	return nil
}

// requestTime is the submission time stamped onto every command payload.
// The leader re-stamps nothing: determinism only requires that whatever
// timestamp goes into the Raft log is what every replica applies, which
// holds regardless of which caller minted it.
func requestTime() time.Time { return time.Now().UTC() }
