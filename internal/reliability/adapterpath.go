package reliability

import (
	"strings"

	"github.com/godbus/dbus/v5"
)

// adapterPathObj converts a plain adapter path string into a dbus.ObjectPath.
func adapterPathObj(adapterPath string) dbus.ObjectPath {
	return dbus.ObjectPath(adapterPath)
}

// adapterHciName extracts the trailing "hciN" segment from an adapter path
// like "/org/bluez/hci0", for shelling out to hciconfig.
func adapterHciName(adapterPath string) string {
	idx := strings.LastIndex(adapterPath, "/")
	if idx < 0 {
		return adapterPath
	}
	return adapterPath[idx+1:]
}
