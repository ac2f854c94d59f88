//go:build linux

package serial

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softimu/pkg/linux/usbid"
)

// fakeSysfs lays out a tty class directory whose device links point into a
// USB device tree, the way sysfs does.
type fakeSysfs struct {
	t    *testing.T
	root string
}

func (f fakeSysfs) write(path, content string) {
	f.t.Helper()
	p := filepath.Join(f.root, path)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(f.t, os.WriteFile(p, []byte(content+"\n"), 0o644))
}

func (f fakeSysfs) mkdir(path string) string {
	f.t.Helper()
	p := filepath.Join(f.root, path)
	require.NoError(f.t, os.MkdirAll(p, 0o755))
	return p
}

func (f fakeSysfs) link(target, path string) {
	f.t.Helper()
	require.NoError(f.t, os.Symlink(filepath.Join(f.root, target), filepath.Join(f.root, path)))
}

func TestProbe(t *testing.T) {
	fs := fakeSysfs{t: t, root: t.TempDir()}

	// CDC-ACM bridge: tty device is the interface directly under the USB device.
	fs.write("usb/1-1/idVendor", "0483")
	fs.write("usb/1-1/idProduct", "5740")
	fs.write("usb/1-1/manufacturer", "softimu")
	fs.write("usb/1-1/product", "IMU bridge")
	fs.write("usb/1-1/serial", "A1B2")
	fs.mkdir("usb/1-1/1-1:1.0")
	fs.mkdir("drivers/cdc_acm")
	fs.link("drivers/cdc_acm", "usb/1-1/1-1:1.0/driver")
	fs.mkdir("tty/ttyACM0")
	fs.link("usb/1-1/1-1:1.0", "tty/ttyACM0/device")

	// USB-serial converter: tty device is a port node below the interface.
	fs.write("usb/1-2/idVendor", "1a86")
	fs.write("usb/1-2/idProduct", "7523")
	fs.mkdir("usb/1-2/1-2:1.0/ttyUSB0")
	fs.mkdir("drivers/ch341-uart")
	fs.link("drivers/ch341-uart", "usb/1-2/1-2:1.0/ttyUSB0/driver")
	fs.mkdir("tty/ttyUSB0")
	fs.link("usb/1-2/1-2:1.0/ttyUSB0", "tty/ttyUSB0/device")

	// Not a USB serial port.
	fs.mkdir("tty/ttyS0")
	fs.mkdir("tty/tty1")

	db := usbid.New()
	require.NoError(t, db.Parse(strings.NewReader("0483  STMicroelectronics\n\t5740  Virtual COM Port\n")))

	ports, err := probe(filepath.Join(fs.root, "tty"), "/dev", db)
	require.NoError(t, err)
	require.Len(t, ports, 2)

	acm := ports[0]
	assert.Equal(t, "/dev/ttyACM0", acm.Path)
	assert.Equal(t, "cdc_acm", acm.Driver)
	assert.Equal(t, uint16(0x0483), acm.VendorID)
	assert.Equal(t, uint16(0x5740), acm.ProductID)
	assert.Equal(t, "STMicroelectronics Virtual COM Port", acm.Name)
	assert.Equal(t, "IMU bridge", acm.Product)
	assert.Equal(t, "A1B2", acm.Serial)

	usb := ports[1]
	assert.Equal(t, "/dev/ttyUSB0", usb.Path)
	assert.Equal(t, "ch341-uart", usb.Driver)
	assert.Equal(t, uint16(0x1a86), usb.VendorID)
	assert.Equal(t, "1a86:7523", usb.Name)
	assert.Empty(t, usb.Manufacturer)
}

func TestProbe_DanglingDevice(t *testing.T) {
	fs := fakeSysfs{t: t, root: t.TempDir()}
	fs.mkdir("tty/ttyACM3")

	ports, err := probe(filepath.Join(fs.root, "tty"), "/dev", nil)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "/dev/ttyACM3", ports[0].Path)
	assert.Zero(t, ports[0].VendorID)
}

func TestProbe_MissingRoot(t *testing.T) {
	_, err := probe(filepath.Join(t.TempDir(), "absent"), "/dev", nil)
	assert.Error(t, err)
}

func TestReadSysfsHexUint16(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		content string
		want    uint16
		wantErr bool
	}{
		{"0483\n", 0x0483, false},
		{"0x1a86", 0x1a86, false},
		{"fffff", 0, true},
		{"zz", 0, true},
	}
	for i, tt := range tests {
		p := filepath.Join(dir, "attr"+string(rune('a'+i)))
		require.NoError(t, os.WriteFile(p, []byte(tt.content), 0o644))
		got, err := readSysfsHexUint16(p)
		if tt.wantErr {
			assert.Error(t, err, tt.content)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
