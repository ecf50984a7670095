// Package dfupkg reads a Nordic DFU update package: a ZIP archive holding
// manifest.json plus the binary init packets and firmware images it
// references.
package dfupkg

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nordicsemi/go-secure-dfu/internal/dfu"
)

// manifestEntry is one slot of manifest.json's "manifest" object.
type manifestEntry struct {
	BinFile string `json:"bin_file"`
	DatFile string `json:"dat_file"`
	Info    *struct {
		BootloaderSize uint32 `json:"bl_size"`
		SoftdeviceSize uint32 `json:"sd_size"`
	} `json:"info_read_only_metadata,omitempty"`
}

type manifest struct {
	Manifest map[string]manifestEntry `json:"manifest"`
}

// slotFieldNames maps the four fixed slots to their manifest.json key,
// per spec.md §3.
var slotFieldNames = map[dfu.SlotName]string{
	dfu.SlotSoftdevice:           "softdevice",
	dfu.SlotBootloader:           "bootloader",
	dfu.SlotSoftdeviceBootloader: "softdevice_bootloader",
	dfu.SlotApplication:          "application",
}

// UpdatePackage is a read-only view over a DFU ZIP archive's slots. It
// satisfies dfu.Package.
type UpdatePackage struct {
	updates map[dfu.SlotName]dfu.Update
}

// Open reads and validates path against manifest.json, per spec.md §4.5:
// missing manifest.json, invalid JSON, or a manifest entry referencing a
// file absent from the archive all fail with a wrapped ErrPackageInvalid.
// Unknown manifest keys are ignored.
func Open(path string) (*UpdatePackage, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("dfupkg: open %s: %w", path, err)
	}
	defer r.Close()
	return load(&r.Reader)
}

func load(r *zip.Reader) (*UpdatePackage, error) {
	files := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		files[f.Name] = f
	}

	manifestFile, ok := files["manifest.json"]
	if !ok {
		return nil, fmt.Errorf("dfupkg: %w: manifest.json not found in archive", dfu.ErrPackageInvalid)
	}

	var m manifest
	if err := decodeJSON(manifestFile, &m); err != nil {
		return nil, fmt.Errorf("dfupkg: %w: parsing manifest.json: %v", dfu.ErrPackageInvalid, err)
	}

	updates := make(map[dfu.SlotName]dfu.Update)
	for slot, field := range slotFieldNames {
		entry, ok := m.Manifest[field]
		if !ok {
			continue
		}
		firmware, err := readFile(files, entry.BinFile)
		if err != nil {
			return nil, fmt.Errorf("dfupkg: %w: slot %s: %v", dfu.ErrPackageInvalid, slot, err)
		}
		initPacket, err := readFile(files, entry.DatFile)
		if err != nil {
			return nil, fmt.Errorf("dfupkg: %w: slot %s: %v", dfu.ErrPackageInvalid, slot, err)
		}
		updates[slot] = dfu.Update{InitPacket: initPacket, Firmware: firmware}
	}

	return &UpdatePackage{updates: updates}, nil
}

func readFile(files map[string]*zip.File, name string) ([]byte, error) {
	f, ok := files[name]
	if !ok {
		return nil, fmt.Errorf("referenced file %q not present in archive", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", name, err)
	}
	return data, nil
}

func decodeJSON(f *zip.File, v any) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return json.NewDecoder(rc).Decode(v)
}

// Slot returns the update for the given slot, if the manifest carried one.
func (p *UpdatePackage) Slot(name dfu.SlotName) (dfu.Update, bool) {
	u, ok := p.updates[name]
	return u, ok
}

var _ dfu.Package = (*UpdatePackage)(nil)
