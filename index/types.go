// Package index implements barecat's SQL-backed metadata store: the
// files/dirs/config schema, trigger-maintained recursive tree statistics,
// globbing/walking, and rename/remove semantics.
package index

import (
	"strings"

	"github.com/barecat-go/barecat/barepath"
)

// FileInfo describes one stored file.
type FileInfo struct {
	Path     string
	Shard    uint32
	Offset   int64
	Size     int64
	CRC32C   *uint32
	Mode     uint32
	UID, GID uint32
	MtimeNs  int64
}

// Parent returns the normalized logical parent of the file's path.
func (f FileInfo) Parent() string { return barepath.Parent(barepath.Normalize(f.Path)) }

// DirInfo describes one directory. NumSubdirs/NumFiles count direct
// children; SizeTree/NumFilesTree are recursive totals over the subtree.
type DirInfo struct {
	Path          string
	NumSubdirs    int64
	NumFiles      int64
	SizeTree      int64
	NumFilesTree  int64
	Mode          uint32
	UID, GID      uint32
	MtimeNs       int64
}

// Parent returns the normalized logical parent of the directory's path.
func (d DirInfo) Parent() string { return barepath.Parent(barepath.Normalize(d.Path)) }

// Order controls the sort applied by enumeration/listing/walk operations.
type Order int

const (
	OrderAny Order = iota
	OrderRandom
	OrderAddress
	OrderAddressDesc
	OrderPath
	OrderPathDesc
)

func (o Order) sql(addrCols, pathCol string) string {
	switch o {
	case OrderRandom:
		return "ORDER BY RANDOM()"
	case OrderAddress:
		return "ORDER BY " + addrCols
	case OrderAddressDesc:
		return "ORDER BY " + descEachColumn(addrCols)
	case OrderPath:
		return "ORDER BY " + pathCol
	case OrderPathDesc:
		return "ORDER BY " + pathCol + " DESC"
	default:
		return ""
	}
}

// descEachColumn turns "shard, offset" into "shard DESC, offset DESC";
// a trailing DESC alone would leave the leading columns ascending.
func descEachColumn(cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p) + " DESC"
	}
	return strings.Join(parts, ", ")
}
