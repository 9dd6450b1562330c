package raster

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Driver decodes and encodes one file format.
type Driver interface {
	Name() string
	// Extensions lists lower-case file extensions, including the dot.
	Extensions() []string
	// CanEncode reports whether a raster with layout l can be stored.
	CanEncode(l Layout) bool
	Decode(r io.Reader) (*Memory, error)
	Encode(w io.Writer, m *Memory) error
}

// ErrNoDriver is returned when no registered driver handles a file.
var ErrNoDriver = errors.New("raster: no driver")

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{}
	// preferred maps an extension to the driver name chosen for it.
	preferred = map[string]string{}
)

// Register makes a driver available. The last driver registered for an
// extension becomes its default unless Prefer says otherwise.
func Register(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[d.Name()] = d
	for _, ext := range d.Extensions() {
		preferred[ext] = d.Name()
	}
}

// Prefer makes the named driver the default for all of its extensions.
func Prefer(name string) error {
	driversMu.Lock()
	defer driversMu.Unlock()
	d, ok := drivers[name]
	if !ok {
		return fmt.Errorf("%w: %q is not registered (have %s)", ErrNoDriver, name, strings.Join(driverNamesLocked(), ", "))
	}
	for _, ext := range d.Extensions() {
		preferred[ext] = name
	}
	return nil
}

// Drivers returns the names of all registered drivers, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	return driverNamesLocked()
}

func driverNamesLocked() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DriverFor returns the driver that handles path by its extension.
func DriverFor(path string) (Driver, error) {
	ext := strings.ToLower(filepath.Ext(path))
	driversMu.RLock()
	defer driversMu.RUnlock()
	name, ok := preferred[ext]
	if !ok {
		return nil, fmt.Errorf("%w for %q (extension %q)", ErrNoDriver, path, ext)
	}
	return drivers[name], nil
}

// Open decodes the raster file at path.
func Open(path string) (*Memory, error) {
	d, err := DriverFor(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := d.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: decode %s: %w", d.Name(), path, err)
	}
	return m, nil
}

// CheckEncodable reports an error when no driver can store l at path. It lets
// callers reject an output before any pixel is computed.
func CheckEncodable(path string, l Layout) error {
	d, err := DriverFor(path)
	if err != nil {
		return err
	}
	if !d.CanEncode(l) {
		return fmt.Errorf("%w: %s cannot store %d band(s) of %s for %q", ErrNoDriver, d.Name(), l.Bands, l.Sample, path)
	}
	return nil
}

// Encode writes m to w with the driver chosen for path.
func Encode(w io.Writer, path string, m *Memory) error {
	d, err := DriverFor(path)
	if err != nil {
		return err
	}
	if !d.CanEncode(m.Layout()) {
		return fmt.Errorf("%w: %s cannot store %d band(s) of %s", ErrNoDriver, d.Name(), m.Layout().Bands, m.Layout().Sample)
	}
	bw := bufio.NewWriter(w)
	if err := d.Encode(bw, m); err != nil {
		return fmt.Errorf("%s: encode %s: %w", d.Name(), path, err)
	}
	return bw.Flush()
}

func init() {
	Register(TIFF{})
	Register(Float32Raw{})
}
