package models

import "encoding/json"

// InstanceStatus is the connection state of a game-server instance as seen
// by the coordinator.
type InstanceStatus string

const (
	InstanceConnected    InstanceStatus = "connected"
	InstanceDisconnected InstanceStatus = "disconnected"
	InstanceDeleted      InstanceStatus = "deleted"
)

// Instance is one logical game server under the coordinator's routing.
type Instance struct {
	ID     int            `json:"id"`
	Name   string         `json:"name"`
	Status InstanceStatus `json:"status"`
}

// PlatformInfo describes one platform on an instance, as reported by the
// instance's list-platforms RPC. Extra fields the instance includes are
// preserved for forward compatibility — a tightened response schema once
// dropped valid fields and broke downstream consumers.
type PlatformInfo struct {
	PlatformIndex int            `json:"platformIndex"`
	PlatformName  string         `json:"platformName"`
	ForceName     string         `json:"forceName,omitempty"`
	Extra         map[string]any `json:"-"`
}

// UnmarshalJSON captures unknown fields into Extra alongside the known ones.
func (p *PlatformInfo) UnmarshalJSON(data []byte) error {
	type known PlatformInfo
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "platformIndex")
	delete(all, "platformName")
	delete(all, "forceName")
	*p = PlatformInfo(k)
	if len(all) > 0 {
		p.Extra = all
	}
	return nil
}

// MarshalJSON merges Extra back into the emitted object. Known fields win
// on key collision.
func (p PlatformInfo) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+3)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["platformIndex"] = p.PlatformIndex
	out["platformName"] = p.PlatformName
	if p.ForceName != "" {
		out["forceName"] = p.ForceName
	}
	return json.Marshal(out)
}

// TreeInstance is one instance entry in a platform tree snapshot. Instances
// that fail to answer the platform enumeration RPC are still present, marked
// disconnected with an empty platform list — callers rely on presence for
// disambiguation.
type TreeInstance struct {
	ID        int            `json:"id"`
	Name      string         `json:"name"`
	Status    InstanceStatus `json:"status"`
	Platforms []PlatformInfo `json:"platforms"`
}

// TreeSnapshot is a per-force view of the live instance/platform tree.
type TreeSnapshot struct {
	ForceName   string         `json:"forceName"`
	Instances   []TreeInstance `json:"instances"`
	GeneratedAt int64          `json:"generatedAt"`
}
