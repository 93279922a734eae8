package pci

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	// configCapabilityPointer is the configuration-space offset of the
	// first entry of the capability list.
	configCapabilityPointer = 0x34

	// capabilityIDVendor marks a vendor-specific capability, which is
	// where virtio stores its configuration structure locations.
	capabilityIDVendor = 0x09

	// resourceFlagIO marks a BAR as an I/O port range in the sysfs
	// resource file (IORESOURCE_IO).
	resourceFlagIO = 0x100
)

// SysfsFunction implements Function on Linux using the sysfs PCI
// interface: capability records come from the function's config file,
// memory BARs are mapped through its resource%d files and port BARs are
// reached through /dev/port.
type SysfsFunction struct {
	dir    string
	config []byte

	mappings [][]byte
	files    []*os.File
}

// OpenSysfs opens the function with the given bus address, e.g.
// "0000:00:05.0". Reading the full configuration space and mapping BARs
// requires the privileges a device daemon runs with anyway.
func OpenSysfs(address string) (*SysfsFunction, error) {
	dir := filepath.Join("/sys/bus/pci/devices", address)

	config, err := os.ReadFile(filepath.Join(dir, "config"))
	if err != nil {
		return nil, fmt.Errorf("read config space: %w", err)
	}

	return &SysfsFunction{dir: dir, config: config}, nil
}

// VendorCapabilities walks the configuration-space capability list and
// returns the body of every vendor-specific record, stripped of the
// generic id/next/len header.
func (f *SysfsFunction) VendorCapabilities() ([][]byte, error) {
	if len(f.config) <= configCapabilityPointer {
		return nil, errors.New("config space too short for a capability list")
	}

	var caps [][]byte
	ptr := int(f.config[configCapabilityPointer]) &^ 0x3
	for steps := 0; ptr != 0; steps++ {
		if steps > 48 || ptr+2 >= len(f.config) {
			return nil, errors.New("malformed capability list")
		}

		id := f.config[ptr]
		next := int(f.config[ptr+1]) &^ 0x3

		if id == capabilityIDVendor {
			capLen := int(f.config[ptr+2])
			if capLen < 3 || ptr+capLen > len(f.config) {
				return nil, errors.New("vendor capability exceeds config space")
			}
			caps = append(caps, f.config[ptr+3:ptr+capLen])
		}

		ptr = next
	}

	return caps, nil
}

// MapBAR maps a window of the given memory BAR through its sysfs resource
// file.
func (f *SysfsFunction) MapBAR(index uint8, offset, length uint64) ([]byte, error) {
	rf, err := os.OpenFile(filepath.Join(f.dir, fmt.Sprintf("resource%d", index)), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open bar %d: %w", index, err)
	}

	mem, err := unix.Mmap(int(rf.Fd()), int64(offset), int(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = rf.Close()
		return nil, fmt.Errorf("map bar %d: %w", index, err)
	}

	f.mappings = append(f.mappings, mem)
	f.files = append(f.files, rf)
	return mem, nil
}

// PortBAR resolves an I/O port BAR via the sysfs resource table and
// returns a register window backed by /dev/port.
func (f *SysfsFunction) PortBAR(index uint8) (RegisterBlock, bool) {
	base, flags, err := f.resourceEntry(int(index))
	if err != nil || flags&resourceFlagIO == 0 {
		return nil, false
	}

	pf, err := os.OpenFile("/dev/port", os.O_RDWR, 0)
	if err != nil {
		return nil, false
	}

	f.files = append(f.files, pf)
	return &portRegion{file: pf, base: base}, true
}

// resourceEntry parses one line of the sysfs resource file, which lists
// start, end and flags per BAR.
func (f *SysfsFunction) resourceEntry(index int) (base uint64, flags uint64, err error) {
	data, err := os.ReadFile(filepath.Join(f.dir, "resource"))
	if err != nil {
		return 0, 0, err
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if index >= len(lines) {
		return 0, 0, fmt.Errorf("no resource entry for bar %d", index)
	}

	fields := strings.Fields(lines[index])
	if len(fields) != 3 {
		return 0, 0, fmt.Errorf("malformed resource entry for bar %d", index)
	}

	base, err = strconv.ParseUint(fields[0], 0, 64)
	if err != nil {
		return 0, 0, err
	}
	flags, err = strconv.ParseUint(fields[2], 0, 64)
	if err != nil {
		return 0, 0, err
	}

	return base, flags, nil
}

// Close unmaps all BAR windows handed out by this function. Mapped
// regions must no longer be in use.
func (f *SysfsFunction) Close() error {
	var errs []error
	for _, mem := range f.mappings {
		if err := unix.Munmap(mem); err != nil {
			errs = append(errs, err)
		}
	}
	f.mappings = nil
	for _, file := range f.files {
		if err := file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	f.files = nil
	return errors.Join(errs...)
}

// portRegion implements RegisterBlock over /dev/port, which maps reads
// and writes at a file offset to I/O port accesses at that port number.
type portRegion struct {
	file *os.File
	base uint64
}

func (p *portRegion) read(off uint, b []byte) {
	_, _ = p.file.ReadAt(b, int64(p.base+uint64(off)))
}

func (p *portRegion) write(off uint, b []byte) {
	_, _ = p.file.WriteAt(b, int64(p.base+uint64(off)))
}

func (p *portRegion) Load8(off uint) uint8 {
	var b [1]byte
	p.read(off, b[:])
	return b[0]
}

func (p *portRegion) Store8(off uint, v uint8) {
	p.write(off, []byte{v})
}

func (p *portRegion) Load16(off uint) uint16 {
	var b [2]byte
	p.read(off, b[:])
	return uint16(b[0]) | uint16(b[1])<<8
}

func (p *portRegion) Store16(off uint, v uint16) {
	p.write(off, []byte{byte(v), byte(v >> 8)})
}

func (p *portRegion) Load32(off uint) uint32 {
	var b [4]byte
	p.read(off, b[:])
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (p *portRegion) Store32(off uint, v uint32) {
	p.write(off, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

// Load64 reads two 32-bit halves, matching how 64-bit values are accessed
// through port I/O.
func (p *portRegion) Load64(off uint) uint64 {
	return uint64(p.Load32(off)) | uint64(p.Load32(off+4))<<32
}

func (p *portRegion) Store64(off uint, v uint64) {
	p.Store32(off, uint32(v))
	p.Store32(off+4, uint32(v>>32))
}
