package discovery

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/emberlink/matter/pkg/fabric"
)

// OperationalInstanceName builds the DNS-SD instance name of a
// commissioned node: the compressed fabric identifier and the node
// identifier, each as 16 uppercase hex characters, joined by a hyphen.
func OperationalInstanceName(compressedID [8]byte, nodeID fabric.NodeID) string {
	return fmt.Sprintf("%016X-%016X", binary.BigEndian.Uint64(compressedID[:]), uint64(nodeID))
}

// ParseOperationalInstanceName is the inverse of
// OperationalInstanceName.
func ParseOperationalInstanceName(name string) ([8]byte, fabric.NodeID, error) {
	var compressedID [8]byte

	parts := strings.Split(name, "-")
	if len(parts) != 2 || len(parts[0]) != 16 || len(parts[1]) != 16 {
		return compressedID, 0, ErrInvalidInstanceName
	}
	cfid, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return compressedID, 0, ErrInvalidInstanceName
	}
	nid, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return compressedID, 0, ErrInvalidInstanceName
	}

	binary.BigEndian.PutUint64(compressedID[:], cfid)
	return compressedID, fabric.NodeID(nid), nil
}
