// Package platform detects the host OS and desktop session so the device
// layer can pick capture, input and clipboard tools.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform is the detected host OS.
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL     Platform = "wsl"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

// Display is the desktop session kind that input injection targets.
type Display string

const (
	DisplayQuartz  Display = "quartz"
	DisplayX11     Display = "x11"
	DisplayWayland Display = "wayland"
	DisplayWindows Display = "windows"
	DisplayNone    Display = "none"
)

var (
	detectOnce sync.Once
	detected   Platform
)

// Detect returns the current platform. The result is cached.
func Detect() Platform {
	detectOnce.Do(func() {
		detected = detectPlatform(runtime.GOOS, os.Getenv, os.ReadFile)
	})
	return detected
}

func detectPlatform(goos string, getenv func(string) string, readFile func(string) ([]byte, error)) Platform {
	switch goos {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		if getenv("WSL_DISTRO_NAME") != "" {
			return PlatformWSL
		}
		if v, err := readFile("/proc/version"); err == nil && strings.Contains(strings.ToLower(string(v)), "microsoft") {
			return PlatformWSL
		}
		return PlatformLinux
	default:
		return PlatformUnknown
	}
}

// DetectDisplay returns the desktop session for the current platform.
func DetectDisplay() Display {
	return displayFor(Detect(), os.Getenv)
}

func displayFor(p Platform, getenv func(string) string) Display {
	switch p {
	case PlatformMacOS:
		return DisplayQuartz
	case PlatformWindows, PlatformWSL:
		// WSL drives the Windows desktop through interop binaries.
		return DisplayWindows
	case PlatformLinux:
		if getenv("WAYLAND_DISPLAY") != "" {
			return DisplayWayland
		}
		if getenv("DISPLAY") != "" {
			return DisplayX11
		}
	}
	return DisplayNone
}

func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL:
		return "WSL"
	case PlatformWindows:
		return "Windows"
	default:
		return "Unknown"
	}
}

// CheckFsnotifySupport returns a warning when path lives on a filesystem where
// fsnotify events are unreliable (9p, nfs, cifs, sshfs), "" otherwise.
func CheckFsnotifySupport(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return ""
	}
	return fsWarning(mountType(absPath, string(mounts)))
}

// mountType finds the filesystem type of the longest mount point containing path.
func mountType(path, mounts string) string {
	var matched, fsType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		mp := fields[1]
		if !strings.HasPrefix(path, mp) || len(mp) <= len(matched) {
			continue
		}
		if mp != "/" && len(path) > len(mp) && path[len(mp)] != '/' {
			continue
		}
		matched, fsType = mp, fields[2]
	}
	return fsType
}

func fsWarning(fsType string) string {
	switch {
	case fsType == "9p":
		return "config on a 9p mount: live reload disabled, restart to apply changes"
	case fsType == "nfs" || fsType == "nfs4":
		return "config on an NFS mount: live reload may miss changes"
	case fsType == "cifs" || fsType == "smbfs":
		return "config on a CIFS/SMB mount: live reload may miss changes"
	case strings.HasPrefix(fsType, "fuse.sshfs"):
		return "config on an SSHFS mount: live reload disabled, restart to apply changes"
	}
	return ""
}
