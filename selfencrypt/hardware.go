package selfencrypt

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HasAESHardwareSupport reports whether this CPU exposes AES hardware
// acceleration (AES-NI on x86, the ARMv8 crypto extensions, or the s390x
// cipher facility). crypto/aes already dispatches to hardware acceleration
// transparently on these architectures; this is surfaced for diagnostics
// and metrics, mirroring the teacher's internal/crypto/hardware.go.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// IsHardwareAccelerationEnabled reports whether hardware acceleration is
// both supported by the CPU and enabled for this architecture by the
// caller's flags.
func IsHardwareAccelerationEnabled(enableAESNI, enableARMv8AES bool) bool {
	if !HasAESHardwareSupport() {
		return false
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		return enableAESNI
	case "arm64":
		return enableARMv8AES
	default:
		return true
	}
}

// HardwareAccelerationInfo summarizes the chunk pipeline's AES acceleration
// status for health/metrics endpoints.
func HardwareAccelerationInfo(enableAESNI, enableARMv8AES bool) map[string]interface{} {
	return map[string]interface{}{
		"aes_hardware_support":         HasAESHardwareSupport(),
		"architecture":                 runtime.GOARCH,
		"goos":                         runtime.GOOS,
		"go_version":                   runtime.Version(),
		"aes_ni_enabled":               enableAESNI,
		"armv8_aes_enabled":            enableARMv8AES,
		"hardware_acceleration_active": IsHardwareAccelerationEnabled(enableAESNI, enableARMv8AES),
	}
}
