//go:build linux

package serial

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/ardnew/softimu/pkg"
	"github.com/ardnew/softimu/pkg/linux/usbid"
)

// Sysfs and devfs roots scanned by Probe.
const (
	SysfsTTYPath = "/sys/class/tty"
	DevfsPath    = "/dev"
)

// ttyPrefixes name the USB serial ttys a bridge enumerates as.
var ttyPrefixes = []string{"ttyACM", "ttyUSB"}

// maxParentHops bounds the walk from a tty's device node up to its USB
// device directory.
const maxParentHops = 4

// Probe lists the USB serial ports that may carry a bridge, named from the
// system USB ID database when one is installed.
func Probe() ([]Port, error) {
	db := usbid.New()
	if err := db.Load(); err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "usb id database unavailable", "error", err)
	}
	return probe(SysfsTTYPath, DevfsPath, db)
}

func probe(sysRoot, devRoot string, db *usbid.Database) ([]Port, error) {
	entries, err := os.ReadDir(sysRoot)
	if err != nil {
		return nil, err
	}

	var ports []Port
	for _, entry := range entries {
		name := entry.Name()
		if !slices.ContainsFunc(ttyPrefixes, func(p string) bool { return strings.HasPrefix(name, p) }) {
			continue
		}

		port := Port{Path: filepath.Join(devRoot, name)}
		ttyPath := filepath.Join(sysRoot, name)
		if driver, err := os.Readlink(filepath.Join(ttyPath, "device", "driver")); err == nil {
			port.Driver = filepath.Base(driver)
		}

		dev, err := filepath.EvalSymlinks(filepath.Join(ttyPath, "device"))
		if err == nil {
			if usbDev, ok := findUSBDevice(dev); ok {
				parseUSBDevice(usbDev, &port)
				if db != nil {
					port.Name = db.Name(port.VendorID, port.ProductID)
				}
			}
		}
		ports = append(ports, port)
	}

	slices.SortFunc(ports, func(a, b Port) int { return strings.Compare(a.Path, b.Path) })
	return ports, nil
}

// findUSBDevice walks up from a tty's device node to the first directory
// carrying USB device attributes.
func findUSBDevice(path string) (string, bool) {
	for i := 0; i <= maxParentHops; i++ {
		if _, err := os.Stat(filepath.Join(path, "idVendor")); err == nil {
			return path, true
		}
		parent := filepath.Dir(path)
		if parent == path {
			break
		}
		path = parent
	}
	return "", false
}

func parseUSBDevice(path string, port *Port) {
	if v, err := readSysfsHexUint16(filepath.Join(path, "idVendor")); err == nil {
		port.VendorID = v
	}
	if v, err := readSysfsHexUint16(filepath.Join(path, "idProduct")); err == nil {
		port.ProductID = v
	}
	port.Manufacturer, _ = readSysfsString(filepath.Join(path, "manufacturer"))
	port.Product, _ = readSysfsString(filepath.Join(path, "product"))
	port.Serial, _ = readSysfsString(filepath.Join(path, "serial"))
}

// readSysfsString reads a string from a sysfs attribute file.
func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsHexUint16 reads a hexadecimal uint16 from a sysfs attribute file.
func readSysfsHexUint16(path string) (uint16, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
