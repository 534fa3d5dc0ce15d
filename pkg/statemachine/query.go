package statemachine

import (
	"github.com/confluxdb/conflux/pkg/coreerr"
	"github.com/confluxdb/conflux/pkg/storage"
	"github.com/confluxdb/conflux/pkg/types"
)

// Resolve implements the release-resolution read path. It never goes
// through consensus and reflects whatever state has been applied at the
// moment it runs.
func (f *FSM) Resolve(ns types.Namespace, name string, clientLabels map[string]string) (*types.ConfigVersion, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	configID, ok := f.nameIdx[nameKey(ns, name)]
	if !ok {
		return nil, coreerr.NotFound("no config for " + nameKey(ns, name))
	}
	cfg, ok := f.configs[configID]
	if !ok {
		return nil, coreerr.InvariantViolation("name index points at missing config " + nameKey(ns, name))
	}
	if len(cfg.Releases) == 0 {
		return nil, coreerr.NotFound("config has no release rules")
	}

	sorted := SortReleases(cfg.Releases)
	for _, r := range sorted {
		if labelsSubsetOf(r.Labels, clientLabels) {
			return f.getVersionLocked(cfg.ID, r.VersionID)
		}
	}
	return nil, coreerr.NotFound("no matching release rule")
}

// labelsSubsetOf reports whether every (k, v) in rule is present in
// client with the same value. An empty rule always matches.
func labelsSubsetOf(rule, client map[string]string) bool {
	for k, v := range rule {
		if cv, ok := client[k]; !ok || cv != v {
			return false
		}
	}
	return true
}

// GetConfig returns the Config by id.
func (f *FSM) GetConfig(id uint64) (*types.Config, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cfg, ok := f.configs[id]
	if !ok {
		return nil, coreerr.NotFound("config not found")
	}
	return cloneConfig(cfg), nil
}

// GetVersion returns one ConfigVersion by (config_id, version_id).
func (f *FSM) GetVersion(configID, versionID uint64) (*types.ConfigVersion, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.getVersionLocked(configID, versionID)
}

// getVersionLocked resolves one (config_id, version_id) pair, serving from
// versionCache when possible. Versions are immutable once published (no
// operation ever rewrites an existing sm_version entry), so a cached decode
// never goes stale while the version still exists; applyDeleteConfig and
// applyPurgeVersions evict their entries when a version stops existing.
func (f *FSM) getVersionLocked(configID, versionID uint64) (*types.ConfigVersion, error) {
	key := versionCacheKey{ConfigID: configID, VersionID: versionID}
	if v, ok := f.versionCache.Get(key); ok {
		return cloneVersion(v), nil
	}

	raw, err := f.db.Get(storage.FamilySMVersion, storage.EncodeVersionKey(configID, versionID))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, coreerr.NotFound("version not found")
		}
		return nil, err
	}
	var v types.ConfigVersion
	if err := decodeValue(raw, &v); err != nil {
		return nil, err
	}
	f.versionCache.Add(key, &v)
	return cloneVersion(&v), nil
}

// cloneVersion copies v along with its byte-slice fields, so a cached entry
// can never be mutated through a caller's returned pointer.
func cloneVersion(v *types.ConfigVersion) *types.ConfigVersion {
	out := *v
	out.Content = append([]byte(nil), v.Content...)
	out.WrappedDEK = append([]byte(nil), v.WrappedDEK...)
	return &out
}

// ListVersions returns up to limit ConfigVersions for configID with id
// strictly greater than cursor, in ascending version-id order, for simple
// keyset pagination over the dense sm_version family.
func (f *FSM) ListVersions(configID, cursor uint64, limit int) ([]types.ConfigVersion, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []types.ConfigVersion
	start := storage.EncodeVersionKey(configID, cursor+1)
	err := f.db.IterateRange(storage.FamilySMVersion, start, nil, func(k, v []byte) error {
		cid, _ := storage.DecodeVersionKey(k)
		if cid != configID {
			return errStopListing
		}
		if limit > 0 && len(out) >= limit {
			return errStopListing
		}
		var ver types.ConfigVersion
		if err := decodeValue(v, &ver); err != nil {
			return err
		}
		out = append(out, ver)
		return nil
	})
	if err != nil && err != errStopListing {
		return nil, err
	}
	return out, nil
}

type stopListing struct{}

func (stopListing) Error() string { return "statemachine: listing stopped" }

// Stats reports cheap, in-memory counts for metrics collection: it never
// touches storage, only the indexes rebuildIndexes maintains.
type Stats struct {
	Configs        int
	Proposals      int
	PendingApprove int
}

func (f *FSM) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s := Stats{Configs: len(f.configs), Proposals: len(f.proposals)}
	for _, p := range f.proposals {
		if p.Status == types.ProposalPending {
			s.PendingApprove++
		}
	}
	return s
}

var errStopListing = stopListing{}
