package config

import (
	"errors"
	"fmt"
	"strings"
)

const permissionPolicySchemaVersionV1 = 1

// PermissionPolicy is the local permission cap applied to RPC peers.
type PermissionPolicy struct {
	SchemaVersion int `json:"schema_version"`

	// LocalMax is the global cap. It must be present for schema_version=1.
	LocalMax *PermissionSet `json:"local_max"`

	// ByUser optionally caps individual peers further. Keys are peer user ids.
	ByUser map[string]*PermissionSet `json:"by_user,omitempty"`
}

// PermissionSet is the read/write permission model of the impact RPC surface.
type PermissionSet struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

func (p PermissionSet) Intersect(other PermissionSet) PermissionSet {
	return PermissionSet{
		Read:  p.Read && other.Read,
		Write: p.Write && other.Write,
	}
}

func defaultPermissionSet() PermissionSet {
	return PermissionSet{Read: true, Write: true}
}

func (p *PermissionPolicy) Validate() error {
	if p == nil {
		return nil
	}
	if p.SchemaVersion != permissionPolicySchemaVersionV1 {
		return fmt.Errorf("unsupported schema_version: %d", p.SchemaVersion)
	}
	if p.LocalMax == nil {
		return errors.New("missing local_max")
	}
	if p.LocalMax.Write && !p.LocalMax.Read {
		return errors.New("local_max: write requires read")
	}
	return nil
}

// ResolveCap returns the cap for a peer: LocalMax intersected with
// by_user[userID] when present.
func (p *PermissionPolicy) ResolveCap(userID string) PermissionSet {
	if p == nil || p.LocalMax == nil {
		return defaultPermissionSet()
	}
	cap := *p.LocalMax

	userID = strings.TrimSpace(userID)
	if userID != "" && p.ByUser != nil {
		if u := p.ByUser[userID]; u != nil {
			cap = cap.Intersect(*u)
		}
	}
	return cap
}

func ParsePermissionPolicyPreset(preset string) (*PermissionPolicy, error) {
	p := strings.ToLower(strings.TrimSpace(preset))
	p = strings.ReplaceAll(p, "-", "_")

	switch p {
	case "", "read_write":
		s := defaultPermissionSet()
		return &PermissionPolicy{SchemaVersion: permissionPolicySchemaVersionV1, LocalMax: &s}, nil
	case "read_only":
		s := PermissionSet{Read: true, Write: false}
		return &PermissionPolicy{SchemaVersion: permissionPolicySchemaVersionV1, LocalMax: &s}, nil
	default:
		return nil, fmt.Errorf("unknown permission policy preset: %q", preset)
	}
}
