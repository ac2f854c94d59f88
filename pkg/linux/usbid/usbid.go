//go:build linux

package usbid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths lists the standard locations for the USB ID database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database caches vendor and product names from the USB ID database.
type Database struct {
	mutex    sync.RWMutex
	vendors  map[uint16]string // VID -> vendor name
	products map[uint32]string // (VID<<16)|PID -> product name
	loaded   bool
	paths    []string
}

// New creates a database that loads from the first readable path, or from
// DefaultPaths when none are given.
func New(paths ...string) *Database {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	return &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
		paths:    paths,
	}
}

// Load parses the first readable database file. Once a load has been
// attempted later calls return nil without searching again.
func (db *Database) Load() error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	if db.loaded {
		return nil
	}
	db.loaded = true

	for _, path := range db.paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer f.Close()
		return db.parse(f)
	}
	return fmt.Errorf("usb.ids not found in %s: %w", strings.Join(db.paths, ", "), os.ErrNotExist)
}

// Parse adds the entries read from r.
func (db *Database) Parse(r io.Reader) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.loaded = true
	return db.parse(r)
}

// parse reads "vvvv  Vendor" lines and the tab-indented "pppp  Product"
// lines under them. Class and language sections end the vendor list. The
// caller holds the mutex.
func (db *Database) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	var vid uint16
	inVendor := false

	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			id, name, ok := splitEntry(line[1:])
			if ok {
				db.products[uint32(vid)<<16|uint32(id)] = name
			}
			continue
		}

		id, name, ok := splitEntry(line)
		inVendor = ok
		if ok {
			vid = id
			db.vendors[vid] = name
		}
	}
	return scanner.Err()
}

// splitEntry parses "xxxx  Name".
func splitEntry(s string) (uint16, string, bool) {
	if len(s) < 6 || s[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimLeft(s[5:], " "), true
}

// Vendor returns the vendor name for vid, or "".
func (db *Database) Vendor(vid uint16) string {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return db.vendors[vid]
}

// Product returns the product name for vid:pid, or "".
func (db *Database) Product(vid, pid uint16) string {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Name returns "Vendor Product" for vid:pid, whichever parts are known,
// falling back to the hex IDs.
func (db *Database) Name(vid, pid uint16) string {
	vendor, product := db.Vendor(vid), db.Product(vid, pid)
	switch {
	case vendor != "" && product != "":
		return vendor + " " + product
	case vendor != "":
		return fmt.Sprintf("%s %04x", vendor, pid)
	default:
		return fmt.Sprintf("%04x:%04x", vid, pid)
	}
}

// Len returns the number of vendors and products loaded.
func (db *Database) Len() (vendors, products int) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return len(db.vendors), len(db.products)
}
