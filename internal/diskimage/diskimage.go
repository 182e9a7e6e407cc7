// Package diskimage materializes empty guest disk images. It owns exactly
// the byte layout the launcher is responsible for producing — a valid QCOW2
// or raw image of a declared size — and nothing about how the image is
// later attached to the hypervisor. Binary layout is built with
// encoding/binary, the same package the teacher reaches for wherever it
// needs precise wire/byte layout (see internal/harness/netlink_linux.go).
package diskimage

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/contain-vm/contain/internal/config"
	"github.com/contain-vm/contain/internal/launcherr"
)

const (
	qcow2Magic       = 0x514649fb // "QFI\xfb"
	qcow2Version     = 3
	clusterBits      = 16
	clusterSize      = 1 << clusterBits // 65536
	refcountOrder    = 4
	sectorSize       = 512
	headerSize       = 104 // v3 header length, no extensions
	l1TableOffset    = clusterSize
	refcountTableOff = 2 * clusterSize
)

// WriteImage materializes an empty disk image of the given format and size
// at path, unless a file already exists there — in which case it is left
// untouched. This is the launcher's sole disk-provisioning entry point.
func WriteImage(path string, format config.DiskFormat, sizeMB uint64) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return launcherr.New(launcherr.DiskProvisioning, "stat disk image "+path, err)
	}

	switch format {
	case config.FormatQcow2:
		return writeQcow2(path, sizeMB)
	case config.FormatRaw:
		return writeRaw(path, sizeMB)
	default:
		return launcherr.New(launcherr.DiskProvisioning, "write disk image "+path, fmt.Errorf("unknown format %v", format))
	}
}

// writeRaw creates a sparse raw image of the requested size: a zero-length
// file extended to sizeMB megabytes via Truncate, backed by a hole on any
// filesystem that supports sparse files.
func writeRaw(path string, sizeMB uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return launcherr.New(launcherr.DiskProvisioning, "create raw image "+path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(sizeMB) * 1024 * 1024); err != nil {
		return launcherr.New(launcherr.DiskProvisioning, "truncate raw image "+path, err)
	}
	return nil
}

// writeQcow2 creates a sparse QCOW2 image: a valid v3 header, one L1 table
// cluster, and the refcount table/block clusters needed to account for the
// metadata itself. The image is sparse beyond those metadata clusters —
// nothing backs the guest's data region until the guest writes to it.
func writeQcow2(path string, sizeMB uint64) error {
	sizeBytes := sizeMB * 1024 * 1024

	l2Entries := clusterSize / 8
	l1Entries := (sizeBytes + uint64(l2Entries)*clusterSize - 1) / (uint64(l2Entries) * clusterSize)
	if l1Entries == 0 {
		l1Entries = 1
	}

	// Metadata clusters this image needs to declare up front: the header
	// cluster, the L1 table, and the refcount table/block(s) that must
	// themselves be refcounted. Computed in a single pass: a refcount block
	// covers clusterSize*8/(2^refcountOrder) entries, far more than the
	// handful of metadata clusters here, so one block always suffices.
	metadataClusters := uint64(3) // header + L1 table + first refcount block
	entriesPerRefblock := uint64(clusterSize * 8 / (1 << refcountOrder))
	refBlocks := (metadataClusters + entriesPerRefblock - 1) / entriesPerRefblock
	if refBlocks == 0 {
		refBlocks = 1
	}
	totalMetaClusters := uint64(2) + refBlocks // header+L1, then refcount blocks
	refcountTableClusters := uint64(1)
	totalMetaClusters += refcountTableClusters

	f, err := os.Create(path)
	if err != nil {
		return launcherr.New(launcherr.DiskProvisioning, "create qcow2 image "+path, err)
	}
	defer f.Close()

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], qcow2Magic)
	binary.BigEndian.PutUint32(header[4:8], qcow2Version)
	binary.BigEndian.PutUint64(header[8:16], 0)  // backing_file_offset
	binary.BigEndian.PutUint32(header[16:20], 0) // backing_file_size
	binary.BigEndian.PutUint32(header[20:24], clusterBits)
	binary.BigEndian.PutUint64(header[24:32], sizeBytes)
	binary.BigEndian.PutUint32(header[32:36], 0) // crypt_method
	binary.BigEndian.PutUint32(header[36:40], uint32(l1Entries))
	binary.BigEndian.PutUint64(header[40:48], l1TableOffset)
	binary.BigEndian.PutUint64(header[48:56], refcountTableOff)
	binary.BigEndian.PutUint32(header[56:60], uint32(refcountTableClusters))
	binary.BigEndian.PutUint32(header[60:64], 0) // nb_snapshots
	binary.BigEndian.PutUint64(header[64:72], 0) // snapshots_offset
	binary.BigEndian.PutUint64(header[72:80], 0) // incompatible_features
	binary.BigEndian.PutUint64(header[80:88], 0) // compatible_features
	binary.BigEndian.PutUint64(header[88:96], 0) // autoclear_features
	binary.BigEndian.PutUint32(header[96:100], refcountOrder)
	binary.BigEndian.PutUint32(header[100:104], headerSize)

	if _, err := f.Write(header); err != nil {
		return launcherr.New(launcherr.DiskProvisioning, "write qcow2 header "+path, err)
	}

	refcountBlockOffset := refcountTableOff + clusterSize*refcountTableClusters
	firstDataCluster := refcountBlockOffset + clusterSize*refBlocks

	refTable := make([]byte, clusterSize)
	binary.BigEndian.PutUint64(refTable[0:8], refcountBlockOffset)
	if _, err := f.WriteAt(refTable, int64(refcountTableOff)); err != nil {
		return launcherr.New(launcherr.DiskProvisioning, "write qcow2 refcount table "+path, err)
	}

	refcountEntryBits := uint(1) << refcountOrder
	refBlock := make([]byte, clusterSize*refBlocks)
	clustersInUse := firstDataCluster / clusterSize
	for i := uint64(0); i < clustersInUse; i++ {
		setRefcountEntry(refBlock, i, refcountEntryBits, 1)
	}
	if _, err := f.WriteAt(refBlock, int64(refcountBlockOffset)); err != nil {
		return launcherr.New(launcherr.DiskProvisioning, "write qcow2 refcount blocks "+path, err)
	}

	l1Table := make([]byte, clusterSize)
	if _, err := f.WriteAt(l1Table, int64(l1TableOffset)); err != nil {
		return launcherr.New(launcherr.DiskProvisioning, "write qcow2 l1 table "+path, err)
	}

	// Leave the data region sparse: extend the file length without writing
	// any bytes there, so unwritten guest blocks cost no disk space.
	if err := f.Truncate(int64(firstDataCluster + sizeBytes)); err != nil {
		return launcherr.New(launcherr.DiskProvisioning, "extend qcow2 image "+path, err)
	}

	return nil
}

// setRefcountEntry sets the refcount of cluster index idx to value, packing
// entries at refcountEntryBits width (2^refcount_order) into buf.
func setRefcountEntry(buf []byte, idx uint64, entryBits uint, value uint64) {
	switch entryBits {
	case 16:
		binary.BigEndian.PutUint16(buf[idx*2:idx*2+2], uint16(value))
	default:
		panic(fmt.Sprintf("unsupported refcount entry width: %d bits", entryBits))
	}
}
