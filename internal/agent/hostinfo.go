package agent

import (
	"net"
	"os"
	"runtime"
	"strings"
)

// GatherFingerprintInputs collects best-effort hardware identifiers for
// Fingerprint. No pack dependency performs host hardware introspection;
// this is plain OS/filesystem reading, not a library concern, so it stays
// on the standard library by design (see DESIGN.md).
func GatherFingerprintInputs() FingerprintInputs {
	return FingerprintInputs{
		CPUModel:        cpuModel(),
		DiskSerial:      diskSerial(),
		MotherboardUUID: motherboardUUID(),
		MACAddresses:    macAddresses(),
	}
}

func macAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addr := iface.HardwareAddr.String()
		if addr != "" && addr != "00:00:00:00:00:00" {
			macs = append(macs, addr)
		}
	}
	return macs
}

func cpuModel() string {
	if runtime.GOOS != "linux" {
		return ""
	}
	b, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(b), "\n") {
		if strings.HasPrefix(line, "model name") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return ""
}

func diskSerial() string {
	// Reading a stable disk serial requires platform-specific privileged
	// ioctls (hdparm/smartctl equivalents) outside this spec's scope;
	// left empty per the "missing fields are omitted" rule.
	return ""
}

func motherboardUUID() string {
	if runtime.GOOS != "linux" {
		return ""
	}
	b, err := os.ReadFile("/sys/class/dmi/id/product_uuid")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
