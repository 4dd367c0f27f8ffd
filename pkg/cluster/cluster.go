package cluster

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ochopod/pod-agent/pkg/types"
)

// Build assembles a types.Cluster from a leader's watched member set and
// dependency hash table, ordering pods by seq (§3).
func Build(key string, members map[string]*types.PodDescriptor, depHashes map[string]string) *types.Cluster {
	pods := make([]*types.PodDescriptor, 0, len(members))
	for _, d := range members {
		pods = append(pods, d.Clone())
	}
	types.SortBySeq(pods)

	deps := make(map[string]string, len(depHashes))
	for k, v := range depHashes {
		deps[k] = v
	}

	return &types.Cluster{Key: key, Pods: pods, Dependencies: deps}
}

// Hash computes the cluster's snapshot hash: sha1 of the sorted,
// JSON-canonicalized member descriptors concatenated with the sorted
// "dep=hash" dependency pairs (§4.5, §8 property 2).
func Hash(c *types.Cluster) (string, error) {
	descriptors := make([]string, 0, len(c.Pods))
	for _, p := range c.Pods {
		b, err := json.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("cluster: marshal descriptor for hash: %w", err)
		}
		descriptors = append(descriptors, string(b))
	}
	sort.Strings(descriptors)

	deps := make([]string, 0, len(c.Dependencies))
	for k, v := range c.Dependencies {
		deps = append(deps, k+"="+v)
	}
	sort.Strings(deps)

	h := sha1.New()
	for _, d := range descriptors {
		h.Write([]byte(d))
	}
	for _, d := range deps {
		h.Write([]byte(d))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
