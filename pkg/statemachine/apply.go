package statemachine

import (
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/confluxdb/conflux/pkg/coreerr"
	"github.com/confluxdb/conflux/pkg/storage"
	"github.com/confluxdb/conflux/pkg/types"
)

// decodePayload unmarshals a command's Data into v, or calls f.fatal: a
// malformed payload inside a committed entry means this node cannot
// interpret data every replica already agreed on, a fatal, not
// skippable, condition.
func (f *FSM) decodePayload(data json.RawMessage, v interface{}) {
	if err := json.Unmarshal(data, v); err != nil {
		f.fatal(coreerr.InvariantViolation("decode payload: " + err.Error()))
	}
}

func nameKey(ns types.Namespace, name string) string { return ns.WatchKey(name) }

func (f *FSM) versionExists(configID, versionID uint64) bool {
	_, err := f.db.Get(storage.FamilySMVersion, storage.EncodeVersionKey(configID, versionID))
	return err == nil
}

// validateReleases checks every release rule's version_id exists, with
// one exception: extraVersionID (a version being created in the same
// batch as the release update) counts as existing even though it has not
// been written to the store yet.
func (f *FSM) validateReleases(configID uint64, releases []types.Release, extraVersionID uint64) bool {
	for _, r := range releases {
		if r.VersionID == extraVersionID && extraVersionID != 0 {
			continue
		}
		if !f.versionExists(configID, r.VersionID) {
			return false
		}
	}
	return true
}

func contentHash(content []byte) [32]byte { return sha256.Sum256(content) }

func topReleaseVersionID(releases []types.Release) uint64 {
	if len(releases) == 0 {
		return 0
	}
	sorted := SortReleases(releases)
	return sorted[0].VersionID
}

func cloneConfig(c *types.Config) *types.Config {
	cp := *c
	cp.Releases = append([]types.Release(nil), c.Releases...)
	return &cp
}

func (f *FSM) applyCreateConfig(data json.RawMessage) (*Response, []storage.Op, []types.ChangeEvent) {
	var p CreateConfigPayload
	f.decodePayload(data, &p)

	if p.Namespace.Tenant == "" || p.Namespace.App == "" || p.Namespace.Env == "" || p.Name == "" {
		return negative(string(coreerr.CodeInvalidArgument), "namespace and name are required"), nil, nil
	}
	key := nameKey(p.Namespace, p.Name)
	if _, exists := f.nameIdx[key]; exists {
		return negative(string(coreerr.CodeAlreadyExists), "config already exists for "+key), nil, nil
	}

	id := f.nextConfigID
	const versionID = uint64(1)
	release := p.InitialRelease
	release.VersionID = versionID

	cfg := &types.Config{
		ID:              id,
		Namespace:       p.Namespace,
		Name:            p.Name,
		LatestVersionID: versionID,
		Releases:        []types.Release{release},
		Schema:          p.Schema,
		Retention:       p.Retention,
		Approval:        p.Approval,
		CreatedAt:       p.Timestamp,
		UpdatedAt:       p.Timestamp,
	}
	hash := contentHash(p.InitialContent)
	ver := types.ConfigVersion{
		ID:          versionID,
		ConfigID:    id,
		Content:     p.InitialContent,
		ContentHash: hash,
		Format:      p.Format,
		CreatorID:   p.CreatorID,
		Description: p.Description,
		CreatedAt:   p.Timestamp,
	}

	cfgRaw, err := encodeValue(cfg)
	if err != nil {
		f.fatal(err)
	}
	verRaw, err := encodeValue(ver)
	if err != nil {
		f.fatal(err)
	}

	ops := []storage.Op{
		storage.Put(storage.FamilySMConfig, storage.EncodeUint64(id), cfgRaw),
		storage.Put(storage.FamilySMVersion, storage.EncodeVersionKey(id, versionID), verRaw),
		storage.Put(storage.FamilySMNameIdx, []byte(key), storage.EncodeUint64(id)),
		storage.Put(storage.FamilyMeta, storage.MetaKeyNextConfigID, storage.EncodeUint64(id+1)),
	}

	f.configs[id] = cfg
	f.nameIdx[key] = id
	f.maxVersionID[id] = versionID
	f.nextConfigID++

	events := []types.ChangeEvent{{
		Kind:         types.EventUpsert,
		Namespace:    p.Namespace,
		ConfigName:   p.Name,
		NewVersionID: versionID,
		Description:  p.Description,
		Timestamp:    p.Timestamp,
	}}
	return success(cfg), ops, events
}

func (f *FSM) applyCreateVersion(data json.RawMessage) (*Response, []storage.Op, []types.ChangeEvent) {
	var p CreateVersionPayload
	f.decodePayload(data, &p)

	cfg, ok := f.configs[p.ConfigID]
	if !ok {
		return negative(string(coreerr.CodeNotFound), "config not found"), nil, nil
	}

	format := p.FormatOverride
	var resolvedFormat types.ConfigFormat
	if format != nil {
		resolvedFormat = *format
	} else if raw, err := f.db.Get(storage.FamilySMVersion, storage.EncodeVersionKey(cfg.ID, cfg.LatestVersionID)); err == nil {
		var prev types.ConfigVersion
		if decErr := decodeValue(raw, &prev); decErr == nil {
			resolvedFormat = prev.Format
		} else {
			resolvedFormat = types.FormatRAW
		}
	} else {
		resolvedFormat = types.FormatRAW
	}

	newVersionID := f.maxVersionID[p.ConfigID] + 1
	hash := contentHash(p.Content)
	ver := types.ConfigVersion{
		ID:          newVersionID,
		ConfigID:    p.ConfigID,
		Content:     p.Content,
		ContentHash: hash,
		Format:      resolvedFormat,
		IsEncrypted: p.IsEncrypted,
		WrappedDEK:  p.WrappedDEK,
		KEKID:       p.KEKID,
		CreatorID:   p.CreatorID,
		Description: p.Description,
		CreatedAt:   p.Timestamp,
	}
	verRaw, err := encodeValue(ver)
	if err != nil {
		f.fatal(err)
	}

	updated := cloneConfig(cfg)
	updated.LatestVersionID = newVersionID
	updated.UpdatedAt = p.Timestamp
	cfgRaw, err := encodeValue(updated)
	if err != nil {
		f.fatal(err)
	}

	ops := []storage.Op{
		storage.Put(storage.FamilySMVersion, storage.EncodeVersionKey(p.ConfigID, newVersionID), verRaw),
		storage.Put(storage.FamilySMConfig, storage.EncodeUint64(p.ConfigID), cfgRaw),
	}

	f.configs[p.ConfigID] = updated
	f.maxVersionID[p.ConfigID] = newVersionID

	return success(ver), ops, nil
}

func (f *FSM) applyUpdateReleaseRules(data json.RawMessage) (*Response, []storage.Op, []types.ChangeEvent) {
	var p UpdateReleaseRulesPayload
	f.decodePayload(data, &p)

	cfg, ok := f.configs[p.ConfigID]
	if !ok {
		return negative(string(coreerr.CodeNotFound), "config not found"), nil, nil
	}
	if !f.validateReleases(p.ConfigID, p.Releases, 0) {
		return negative(string(coreerr.CodePreconditionFailed), "release references an unknown version"), nil, nil
	}

	updated := cloneConfig(cfg)
	updated.Releases = append([]types.Release(nil), p.Releases...)
	updated.UpdatedAt = p.Timestamp
	cfgRaw, err := encodeValue(updated)
	if err != nil {
		f.fatal(err)
	}

	ops := []storage.Op{storage.Put(storage.FamilySMConfig, storage.EncodeUint64(p.ConfigID), cfgRaw)}
	f.configs[p.ConfigID] = updated

	events := []types.ChangeEvent{{
		Kind:         types.EventReleaseUpdated,
		Namespace:    cfg.Namespace,
		ConfigName:   cfg.Name,
		NewVersionID: topReleaseVersionID(updated.Releases),
		Timestamp:    p.Timestamp,
	}}
	return success(updated), ops, events
}

func (f *FSM) applyDeleteConfig(data json.RawMessage) (*Response, []storage.Op, []types.ChangeEvent) {
	var p DeleteConfigPayload
	f.decodePayload(data, &p)

	cfg, ok := f.configs[p.ConfigID]
	if !ok {
		return negative(string(coreerr.CodeNotFound), "config not found"), nil, nil
	}

	var ops []storage.Op
	if err := f.db.IteratePrefix(storage.FamilySMVersion, storage.VersionKeyPrefix(p.ConfigID), func(k, v []byte) error {
		ops = append(ops, storage.Delete(storage.FamilySMVersion, append([]byte(nil), k...)))
		configID, versionID := storage.DecodeVersionKey(k)
		f.versionCache.Remove(versionCacheKey{ConfigID: configID, VersionID: versionID})
		return nil
	}); err != nil {
		f.fatal(err)
	}
	key := nameKey(cfg.Namespace, cfg.Name)
	ops = append(ops,
		storage.Delete(storage.FamilySMConfig, storage.EncodeUint64(p.ConfigID)),
		storage.Delete(storage.FamilySMNameIdx, []byte(key)),
	)

	// A deleted config's id is never reissued (nextConfigID is a
	// persisted counter, not max(live ids)+1), but any proposal still
	// pointed at it would otherwise dangle — or worse, if ids were ever
	// reissued, silently resolve against an unrelated future config. Drop
	// them here rather than leave ExecuteProposal to discover this later.
	for propID, prop := range f.proposals {
		if prop.ConfigID == p.ConfigID {
			ops = append(ops, storage.Delete(storage.FamilySMProposal, storage.EncodeUint64(propID)))
			delete(f.proposals, propID)
		}
	}

	delete(f.configs, p.ConfigID)
	delete(f.nameIdx, key)
	delete(f.maxVersionID, p.ConfigID)

	events := []types.ChangeEvent{{
		Kind:        types.EventDelete,
		Namespace:   cfg.Namespace,
		ConfigName:  cfg.Name,
		Timestamp:   p.Timestamp,
	}}
	return success(nil), ops, events
}

func (f *FSM) applyPurgeVersions(data json.RawMessage) (*Response, []storage.Op, []types.ChangeEvent) {
	var p PurgeVersionsPayload
	f.decodePayload(data, &p)

	var ops []storage.Op
	purged := 0
	for configID, versionIDs := range p.VersionsByConfig {
		cfg, ok := f.configs[configID]
		if !ok {
			continue
		}
		referenced := map[uint64]bool{cfg.LatestVersionID: true}
		for _, r := range cfg.Releases {
			referenced[r.VersionID] = true
		}
		for _, vid := range versionIDs {
			if referenced[vid] {
				continue // cannot purge a version still in use; invariants 1/2 win
			}
			if !f.versionExists(configID, vid) {
				continue
			}
			ops = append(ops, storage.Delete(storage.FamilySMVersion, storage.EncodeVersionKey(configID, vid)))
			f.versionCache.Remove(versionCacheKey{ConfigID: configID, VersionID: vid})
			purged++
		}
	}
	return success(map[string]int{"purged": purged}), ops, nil
}

func (f *FSM) applyPublish(data json.RawMessage) (*Response, []storage.Op, []types.ChangeEvent) {
	var p PublishPayload
	f.decodePayload(data, &p)

	cfg, ok := f.configs[p.ConfigID]
	if !ok {
		return negative(string(coreerr.CodeNotFound), "config not found"), nil, nil
	}
	newVersionID := f.maxVersionID[p.ConfigID] + 1
	if !f.validateReleases(p.ConfigID, p.NewReleases, newVersionID) {
		return negative(string(coreerr.CodePreconditionFailed), "release references an unknown version"), nil, nil
	}

	hash := contentHash(p.Content)
	ver := types.ConfigVersion{
		ID:          newVersionID,
		ConfigID:    p.ConfigID,
		Content:     p.Content,
		ContentHash: hash,
		Format:      p.Format,
		IsEncrypted: p.IsEncrypted,
		WrappedDEK:  p.WrappedDEK,
		KEKID:       p.KEKID,
		CreatorID:   p.CreatorID,
		Description: p.Description,
		CreatedAt:   p.Timestamp,
	}
	verRaw, err := encodeValue(ver)
	if err != nil {
		f.fatal(err)
	}

	updated := cloneConfig(cfg)
	updated.LatestVersionID = newVersionID
	updated.Releases = append([]types.Release(nil), p.NewReleases...)
	updated.UpdatedAt = p.Timestamp
	cfgRaw, err := encodeValue(updated)
	if err != nil {
		f.fatal(err)
	}

	ops := []storage.Op{
		storage.Put(storage.FamilySMVersion, storage.EncodeVersionKey(p.ConfigID, newVersionID), verRaw),
		storage.Put(storage.FamilySMConfig, storage.EncodeUint64(p.ConfigID), cfgRaw),
	}
	f.configs[p.ConfigID] = updated
	f.maxVersionID[p.ConfigID] = newVersionID

	events := []types.ChangeEvent{{
		Kind:         types.EventReleaseUpdated,
		Namespace:    cfg.Namespace,
		ConfigName:   cfg.Name,
		NewVersionID: topReleaseVersionID(updated.Releases),
		Description:  p.Description,
		Timestamp:    p.Timestamp,
	}}
	return success(updated), ops, events
}

func (f *FSM) applyProposeRelease(data json.RawMessage) (*Response, []storage.Op, []types.ChangeEvent) {
	var p ProposeReleasePayload
	f.decodePayload(data, &p)

	if _, ok := f.configs[p.ConfigID]; !ok {
		return negative(string(coreerr.CodeNotFound), "config not found"), nil, nil
	}

	id := f.lastProposalID + 1
	proposal := &types.ReleaseProposal{
		ID:          id,
		ConfigID:    p.ConfigID,
		NewContent:  p.NewContent,
		NewFormat:   p.NewFormat,
		NewReleases: p.NewReleases,
		Description: p.Description,
		ProposerID:  p.ProposerID,
		Status:      types.ProposalPending,
		CreatedAt:   p.Timestamp,
		UpdatedAt:   p.Timestamp,
	}
	raw, err := encodeValue(proposal)
	if err != nil {
		f.fatal(err)
	}
	ops := []storage.Op{storage.Put(storage.FamilySMProposal, storage.EncodeUint64(id), raw)}

	f.proposals[id] = proposal
	f.lastProposalID = id

	return success(proposal), ops, nil
}

func (f *FSM) requiredApprovers(configID uint64) int {
	cfg, ok := f.configs[configID]
	if !ok || cfg.Approval == nil || cfg.Approval.RequiredApprovers <= 0 {
		return 1
	}
	return cfg.Approval.RequiredApprovers
}

func (f *FSM) applyApproveProposal(data json.RawMessage) (*Response, []storage.Op, []types.ChangeEvent) {
	var p ApproveProposalPayload
	f.decodePayload(data, &p)

	prop, ok := f.proposals[p.ProposalID]
	if !ok {
		return negative(string(coreerr.CodeNotFound), "proposal not found"), nil, nil
	}
	if prop.Status != types.ProposalPending {
		return negative(string(coreerr.CodePreconditionFailed), "proposal is not pending"), nil, nil
	}

	updated := *prop
	updated.Approvals = append([]uint64(nil), prop.Approvals...)
	already := false
	for _, a := range updated.Approvals {
		if a == p.ApproverID {
			already = true
			break
		}
	}
	if !already {
		updated.Approvals = append(updated.Approvals, p.ApproverID)
	}
	updated.UpdatedAt = p.Timestamp
	if len(updated.Approvals) >= f.requiredApprovers(prop.ConfigID) {
		updated.Status = types.ProposalApproved
	}

	raw, err := encodeValue(&updated)
	if err != nil {
		f.fatal(err)
	}
	ops := []storage.Op{storage.Put(storage.FamilySMProposal, storage.EncodeUint64(updated.ID), raw)}
	f.proposals[updated.ID] = &updated
	return success(&updated), ops, nil
}

func (f *FSM) applyRejectProposal(data json.RawMessage) (*Response, []storage.Op, []types.ChangeEvent) {
	var p RejectProposalPayload
	f.decodePayload(data, &p)

	prop, ok := f.proposals[p.ProposalID]
	if !ok {
		return negative(string(coreerr.CodeNotFound), "proposal not found"), nil, nil
	}
	if prop.Status != types.ProposalPending {
		return negative(string(coreerr.CodePreconditionFailed), "proposal is not pending"), nil, nil
	}
	updated := *prop
	updated.Status = types.ProposalRejected
	updated.UpdatedAt = p.Timestamp

	raw, err := encodeValue(&updated)
	if err != nil {
		f.fatal(err)
	}
	ops := []storage.Op{storage.Put(storage.FamilySMProposal, storage.EncodeUint64(updated.ID), raw)}
	f.proposals[updated.ID] = &updated
	return success(&updated), ops, nil
}

func (f *FSM) applyExecuteProposal(data json.RawMessage) (*Response, []storage.Op, []types.ChangeEvent) {
	var p ExecuteProposalPayload
	f.decodePayload(data, &p)

	prop, ok := f.proposals[p.ProposalID]
	if !ok {
		return negative(string(coreerr.CodeNotFound), "proposal not found"), nil, nil
	}
	if prop.Status != types.ProposalApproved {
		return negative(string(coreerr.CodePreconditionFailed), "proposal is not approved"), nil, nil
	}
	cfg, ok := f.configs[prop.ConfigID]
	if !ok {
		return negative(string(coreerr.CodeNotFound), "config not found"), nil, nil
	}

	newVersionID := f.maxVersionID[prop.ConfigID] + 1
	hash := contentHash(prop.NewContent)
	ver := types.ConfigVersion{
		ID:          newVersionID,
		ConfigID:    prop.ConfigID,
		Content:     prop.NewContent,
		ContentHash: hash,
		Format:      prop.NewFormat,
		CreatorID:   prop.ProposerID,
		Description: prop.Description,
		CreatedAt:   p.Timestamp,
	}
	verRaw, err := encodeValue(ver)
	if err != nil {
		f.fatal(err)
	}

	updatedCfg := cloneConfig(cfg)
	updatedCfg.LatestVersionID = newVersionID
	updatedCfg.Releases = append([]types.Release(nil), prop.NewReleases...)
	updatedCfg.UpdatedAt = p.Timestamp
	cfgRaw, err := encodeValue(updatedCfg)
	if err != nil {
		f.fatal(err)
	}

	updatedProp := *prop
	updatedProp.Status = types.ProposalExecuted
	updatedProp.UpdatedAt = p.Timestamp
	propRaw, err := encodeValue(&updatedProp)
	if err != nil {
		f.fatal(err)
	}

	ops := []storage.Op{
		storage.Put(storage.FamilySMVersion, storage.EncodeVersionKey(prop.ConfigID, newVersionID), verRaw),
		storage.Put(storage.FamilySMConfig, storage.EncodeUint64(prop.ConfigID), cfgRaw),
		storage.Put(storage.FamilySMProposal, storage.EncodeUint64(updatedProp.ID), propRaw),
	}
	f.configs[prop.ConfigID] = updatedCfg
	f.maxVersionID[prop.ConfigID] = newVersionID
	f.proposals[updatedProp.ID] = &updatedProp

	events := []types.ChangeEvent{{
		Kind:         types.EventReleaseUpdated,
		Namespace:    cfg.Namespace,
		ConfigName:   cfg.Name,
		NewVersionID: topReleaseVersionID(updatedCfg.Releases),
		Description:  prop.Description,
		Timestamp:    p.Timestamp,
	}}
	return success(updatedCfg), ops, events
}

// mintTimestamp returns the current UTC time. It is unexported and has no
// callers in this package; apply itself never calls it.
func mintTimestamp() time.Time { return time.Now().UTC() }
