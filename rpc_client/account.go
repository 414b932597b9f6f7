package rpcclient

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/compresslabs/treemirror/common"
	"github.com/compresslabs/treemirror/types"
)

// on-chain tree account layout (little-endian):
//
//	maxBufferSize u32 | maxDepth u32 | authority 32 | appendAuthority 32 |
//	creationSlot u64 | sequence u128 | ...
//
// Only the header and the sequence counter matter to the mirror; the ring
// buffer that follows is never read off-chain.
const treeHeaderLen = 4 + 4 + 32 + 32 + 8 + 16

// DecodeTreeHeader parses a tree account's header and current sequence.
// Sequence numbers are stored on-chain as u128 but a mirror deals in u64;
// the high 8 bytes must be zero.
func DecodeTreeHeader(data []byte) (*types.TreeHeader, error) {
	if len(data) < treeHeaderLen {
		return nil, fmt.Errorf("tree account too short: %d bytes, need %d", len(data), treeHeaderLen)
	}
	header := &types.TreeHeader{
		MaxBufferSize: binary.LittleEndian.Uint32(data[0:4]),
		MaxDepth:      binary.LittleEndian.Uint32(data[4:8]),
		Authority:     common.BytesToHash(data[8:40]),
		CreationSlot:  binary.LittleEndian.Uint64(data[72:80]),
		Sequence:      binary.LittleEndian.Uint64(data[80:88]),
	}
	if hi := binary.LittleEndian.Uint64(data[88:96]); hi != 0 {
		return nil, fmt.Errorf("tree sequence exceeds uint64 range (high bits %d)", hi)
	}
	if header.MaxDepth == 0 || header.MaxDepth > 30 {
		return nil, fmt.Errorf("implausible tree depth %d", header.MaxDepth)
	}
	return header, nil
}

// TreeHeader reads the authoritative on-chain state of a tree account. The
// sequence number read here, not replay, is the chain-side bound the
// backfiller reconciles the mirror against.
func (c *Client) TreeHeader(ctx context.Context, treeID common.Hash) (*types.TreeHeader, error) {
	data, err := c.GetAccountInfo(ctx, treeID)
	if err != nil {
		return nil, err
	}
	return DecodeTreeHeader(data)
}
