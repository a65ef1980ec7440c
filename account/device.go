package account

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Device identifies the local device to the other devices of the account.
// The id must be stable across restarts.
type Device interface {
	DeviceId() string
	Name() string
}

type StaticDevice struct {
	Id         string
	DeviceName string
}

func (self *StaticDevice) DeviceId() string {
	return self.Id
}

func (self *StaticDevice) Name() string {
	return self.DeviceName
}

var defaultMachineIdPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// HostDevice fingerprints the host from its machine id, host name and platform.
type HostDevice struct {
	deviceId string
	name     string
}

func NewHostDevice() *HostDevice {
	return newHostDevice(defaultMachineIdPaths)
}

func newHostDevice(machineIdPaths []string) *HostDevice {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}
	machineId := ""
	for _, path := range machineIdPaths {
		if b, err := os.ReadFile(path); err == nil {
			machineId = strings.TrimSpace(string(b))
			if machineId != "" {
				break
			}
		}
	}

	h := xxhash.New()
	for _, fact := range []string{machineId, hostname, runtime.GOOS, runtime.GOARCH} {
		h.WriteString(fact)
		h.Write([]byte{0})
	}

	name := hostname
	if name == "" {
		name = fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
	}
	return &HostDevice{
		deviceId: fmt.Sprintf("%016x", h.Sum64()),
		name:     name,
	}
}

func (self *HostDevice) DeviceId() string {
	return self.deviceId
}

func (self *HostDevice) Name() string {
	return self.name
}
