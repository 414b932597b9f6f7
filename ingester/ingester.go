// Package ingester turns raw program log lines into typed tree events and
// feeds them to the mirror store. It is the single write path: the live
// subscription and the backfiller both go through it, so replayed history
// and fresh notifications get identical treatment.
package ingester

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/compresslabs/treemirror/common"
	"github.com/compresslabs/treemirror/log"
	"github.com/compresslabs/treemirror/rpc_client"
	"github.com/compresslabs/treemirror/storage"
	"github.com/compresslabs/treemirror/types"
)

// Events are emitted as base64 payloads on "Program data:" log lines. Each
// payload starts with an 8 byte discriminator, then a little-endian body:
//
//	changelog:   treeID [32] | pathLen u32 | pathLen x (hash [32] | index u32) | seq u64
//	leaf schema: treeID [32] | owner [32] | delegate [32] | nonce u64 |
//	             dataHash [32] | creatorHash [32] | leafHash [32]
//
// Path nodes use 1-based arena indexes, leaf first and root (index 1) last.
const programDataPrefix = "Program data: "

var (
	changeLogDiscriminator  = [8]byte{0x1a, 0x7f, 0x5d, 0xc0, 0x93, 0x3b, 0x2e, 0x64}
	leafSchemaDiscriminator = [8]byte{0xc4, 0x51, 0x08, 0xe9, 0x6f, 0xa2, 0x17, 0x3d}
)

const (
	pathNodeLen = 32 + 4
	maxPathLen  = 64
)

// ParsedLogs is every decodable event of one transaction.
type ParsedLogs struct {
	Entries []*types.ChangeLogEntry
	Schemas []*types.LeafSchemaEvent
}

// ParseLogs extracts and decodes every event payload from a transaction's
// log output. Undecodable payloads are skipped with a warning; lines that
// are not event payloads at all are ignored silently.
func ParseLogs(txID string, slot uint64, lines []string) *ParsedLogs {
	parsed := &ParsedLogs{}
	for _, line := range lines {
		encoded, ok := strings.CutPrefix(line, programDataPrefix)
		if !ok {
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			log.Warn(log.IngestMonitoring, "undecodable event payload", "txID", txID, "err", err)
			continue
		}
		if len(payload) < 8 {
			log.Warn(log.IngestMonitoring, "event payload too short", "txID", txID, "len", len(payload))
			continue
		}
		var disc [8]byte
		copy(disc[:], payload[:8])
		body := payload[8:]
		switch disc {
		case changeLogDiscriminator:
			entry, err := decodeChangeLog(body, txID, slot)
			if err != nil {
				log.Warn(log.IngestMonitoring, "malformed changelog event", "txID", txID, "err", err)
				continue
			}
			parsed.Entries = append(parsed.Entries, entry)
		case leafSchemaDiscriminator:
			schema, err := decodeLeafSchema(body)
			if err != nil {
				log.Warn(log.IngestMonitoring, "malformed leaf schema event", "txID", txID, "err", err)
				continue
			}
			parsed.Schemas = append(parsed.Schemas, schema)
		default:
			log.Trace(log.IngestMonitoring, "unknown event discriminator", "txID", txID)
		}
	}
	return parsed
}

func decodeChangeLog(body []byte, txID string, slot uint64) (*types.ChangeLogEntry, error) {
	if len(body) < 32+4 {
		return nil, fmt.Errorf("changelog body too short: %d bytes", len(body))
	}
	treeID := common.BytesToHash(body[:32])
	pathLen := binary.LittleEndian.Uint32(body[32:36])
	if pathLen == 0 || pathLen > maxPathLen {
		return nil, fmt.Errorf("implausible path length %d", pathLen)
	}
	rest := body[36:]
	want := int(pathLen)*pathNodeLen + 8
	if len(rest) != want {
		return nil, fmt.Errorf("changelog body length %d, want %d for %d path nodes", len(rest), want, pathLen)
	}
	path := make([]types.PathNode, pathLen)
	for i := range path {
		off := i * pathNodeLen
		path[i] = types.PathNode{
			Hash:  common.BytesToHash(rest[off : off+32]),
			Index: binary.LittleEndian.Uint32(rest[off+32 : off+36]),
		}
	}
	if path[pathLen-1].Index != 1 {
		return nil, fmt.Errorf("changelog path does not end at the root (last index %d)", path[pathLen-1].Index)
	}
	seq := binary.LittleEndian.Uint64(rest[len(rest)-8:])
	return &types.ChangeLogEntry{
		TreeID: treeID,
		Path:   path,
		Seq:    seq,
		Slot:   slot,
		TxID:   txID,
	}, nil
}

func decodeLeafSchema(body []byte) (*types.LeafSchemaEvent, error) {
	const want = 32 + 32 + 32 + 8 + 32 + 32 + 32
	if len(body) != want {
		return nil, fmt.Errorf("leaf schema body length %d, want %d", len(body), want)
	}
	return &types.LeafSchemaEvent{
		TreeID: common.BytesToHash(body[0:32]),
		Schema: types.LeafSchema{
			Owner:       common.BytesToHash(body[32:64]),
			Delegate:    common.BytesToHash(body[64:96]),
			Nonce:       binary.LittleEndian.Uint64(body[96:104]),
			DataHash:    common.BytesToHash(body[104:136]),
			CreatorHash: common.BytesToHash(body[136:168]),
			LeafHash:    common.BytesToHash(body[168:200]),
		},
	}, nil
}

// MarshalChangeLogLine renders an entry back to its log line form. Used by
// test fixtures and the replay tooling.
func MarshalChangeLogLine(entry *types.ChangeLogEntry) string {
	body := make([]byte, 8+32+4+len(entry.Path)*pathNodeLen+8)
	copy(body[:8], changeLogDiscriminator[:])
	copy(body[8:40], entry.TreeID.Bytes())
	binary.LittleEndian.PutUint32(body[40:44], uint32(len(entry.Path)))
	off := 44
	for _, node := range entry.Path {
		copy(body[off:off+32], node.Hash.Bytes())
		binary.LittleEndian.PutUint32(body[off+32:off+36], node.Index)
		off += pathNodeLen
	}
	binary.LittleEndian.PutUint64(body[off:off+8], entry.Seq)
	return programDataPrefix + base64.StdEncoding.EncodeToString(body)
}

// MarshalLeafSchemaLine renders a leaf schema event back to its log line form.
func MarshalLeafSchemaLine(event *types.LeafSchemaEvent) string {
	body := make([]byte, 8+200)
	copy(body[:8], leafSchemaDiscriminator[:])
	copy(body[8:40], event.TreeID.Bytes())
	copy(body[40:72], event.Schema.Owner.Bytes())
	copy(body[72:104], event.Schema.Delegate.Bytes())
	binary.LittleEndian.PutUint64(body[104:112], event.Schema.Nonce)
	copy(body[112:144], event.Schema.DataHash.Bytes())
	copy(body[144:176], event.Schema.CreatorHash.Bytes())
	copy(body[176:208], event.Schema.LeafHash.Bytes())
	return programDataPrefix + base64.StdEncoding.EncodeToString(body)
}

// Ingester applies parsed events to the mirror store.
type Ingester struct {
	store *storage.MirrorStore
}

func New(store *storage.MirrorStore) *Ingester {
	return &Ingester{store: store}
}

// ProcessLogs parses one transaction's log output and applies every event.
func (ing *Ingester) ProcessLogs(txID string, slot uint64, lines []string) error {
	return ing.apply(ParseLogs(txID, slot, lines), 0, ^uint64(0))
}

// ProcessLogsConstrained is the backfill variant: only changelog entries
// with startSeq <= seq < endSeq are applied, so replaying a whole slot range
// cannot disturb sequences outside the gap being plugged. Leaf schemas ride
// along only when the transaction contributed an in-range entry.
func (ing *Ingester) ProcessLogsConstrained(txID string, slot uint64, lines []string, startSeq, endSeq uint64) error {
	return ing.apply(ParseLogs(txID, slot, lines), startSeq, endSeq)
}

func (ing *Ingester) apply(parsed *ParsedLogs, startSeq, endSeq uint64) error {
	applied := 0
	for _, entry := range parsed.Entries {
		if entry.Seq < startSeq || entry.Seq >= endSeq {
			log.Trace(log.IngestMonitoring, "entry outside replay window",
				"tree", common.Str(entry.TreeID), "seq", entry.Seq, "startSeq", startSeq, "endSeq", endSeq)
			continue
		}
		if err := ing.store.ApplyChangeLog(entry); err != nil {
			return fmt.Errorf("apply changelog seq %d: %w", entry.Seq, err)
		}
		applied++
	}
	// Schema events carry no sequence of their own, so they ride on the
	// transaction's changelog entries: every leaf mutation the tree program
	// emits pairs a schema event with a changelog event, which makes this
	// gate a no-op on the live path. On constrained replay it keeps an
	// out-of-window transaction from regressing newer latest-wins rows.
	if applied == 0 {
		return nil
	}
	for _, event := range parsed.Schemas {
		if err := ing.store.UpsertLeafSchema(event.TreeID, event.Schema); err != nil {
			return fmt.Errorf("upsert leaf schema nonce %d: %w", event.Schema.Nonce, err)
		}
	}
	return nil
}

// HandleNotification is the live-subscription entry point. Failed
// transactions emit no effective state change and are dropped.
func (ing *Ingester) HandleNotification(n *rpcclient.LogsNotification) {
	if n.Failed {
		return
	}
	if err := ing.ProcessLogs(n.Signature, n.Slot, n.Logs); err != nil {
		log.Warn(log.IngestMonitoring, "failed to apply live notification", "txID", n.Signature, "err", err)
	}
}
