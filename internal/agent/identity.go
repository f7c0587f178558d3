// Package agent owns the endpoint's stable identity: machine_id,
// fingerprint, and the agent_secret obtained at first registration.
package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Fingerprint inputs, per spec.md §6: "missing fields are omitted rather
// than substituted."
type FingerprintInputs struct {
	CPUModel         string
	DiskSerial       string
	MotherboardUUID  string
	MACAddresses     []string
}

// Fingerprint computes sha256(cpu_model|disk_serial|motherboard_uuid|
// sorted_mac_addresses joined by "|"), hex-encoded.
func Fingerprint(in FingerprintInputs) string {
	parts := make([]string, 0, 4)
	if in.CPUModel != "" {
		parts = append(parts, in.CPUModel)
	}
	if in.DiskSerial != "" {
		parts = append(parts, in.DiskSerial)
	}
	if in.MotherboardUUID != "" {
		parts = append(parts, in.MotherboardUUID)
	}
	if len(in.MACAddresses) > 0 {
		macs := append([]string(nil), in.MACAddresses...)
		sort.Strings(macs)
		parts = append(parts, strings.Join(macs, "|"))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// MachineID loads the stable per-install id from path, generating and
// persisting one (a UUIDv4) if absent. Generated once, per spec.md §3.
func MachineID(path string) (string, error) {
	if b, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(b))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("agent: read machine id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("agent: create machine id dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("agent: persist machine id: %w", err)
	}
	return id, nil
}
