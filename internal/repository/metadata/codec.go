package metadata

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nb-backup/nb/internal/nberrors"
)

// formatVersion is the single byte written at the start of every encoded
// metadata file. Decode refuses any other leading byte, which is the
// hook a future on-disk format change would use to branch on, even
// though this module defines only one version.
const formatVersion = 1

// Encode serializes m into a self-describing byte stream suitable for
// writing to the repository's metadata file. Decode(Encode(m)) reproduces
// a tree equal to m in every field that participates in equality (history
// chains, not pointer identity of shared Backup values).
func Encode(m *Metadata) ([]byte, error) {
	buffer := []byte{formatVersion}

	buffer = appendBackup(buffer, m.CurrentBackup)

	buffer = protowire.AppendVarint(buffer, uint64(len(m.BackupHistory)))
	for _, backup := range m.BackupHistory {
		buffer = appendBackup(buffer, backup)
	}

	buffer = appendHistoryChain(buffer, m.ConfigHistory)

	buffer = protowire.AppendVarint(buffer, m.TotalPathCount)
	buffer = protowire.AppendVarint(buffer, uint64(len(m.Paths)))
	for _, node := range m.Paths {
		buffer = appendNode(buffer, node)
	}

	return buffer, nil
}

func appendBackup(buffer []byte, backup *Backup) []byte {
	buffer = protowire.AppendVarint(buffer, backup.ID)
	buffer = protowire.AppendVarint(buffer, uint64(protowire.EncodeZigZag(backup.CompletionTime)))
	buffer = protowire.AppendVarint(buffer, backup.RefCount)
	return buffer
}

func appendHistoryChain(buffer []byte, head *HistoryPoint) []byte {
	var points []*HistoryPoint
	for p := head; p != nil; p = p.Next {
		points = append(points, p)
	}
	buffer = protowire.AppendVarint(buffer, uint64(len(points)))
	for _, p := range points {
		buffer = protowire.AppendVarint(buffer, p.Backup.ID)
		buffer = appendState(buffer, p.State)
	}
	return buffer
}

func appendState(buffer []byte, state PathState) []byte {
	buffer = append(buffer, byte(state.Kind))
	switch state.Kind {
	case PathStateNonExisting:
		// No further fields.
	case PathStateRegular:
		buffer = protowire.AppendVarint(buffer, uint64(state.UID))
		buffer = protowire.AppendVarint(buffer, uint64(state.GID))
		buffer = protowire.AppendVarint(buffer, uint64(state.PermissionBits))
		buffer = protowire.AppendVarint(buffer, uint64(protowire.EncodeZigZag(state.ModificationTime)))
		buffer = protowire.AppendVarint(buffer, state.Size)
		buffer = appendContent(buffer, state.Content)
	case PathStateSymlink:
		buffer = protowire.AppendVarint(buffer, uint64(state.UID))
		buffer = protowire.AppendVarint(buffer, uint64(state.GID))
		buffer = protowire.AppendBytes(buffer, state.Target)
	case PathStateDirectory:
		buffer = protowire.AppendVarint(buffer, uint64(state.UID))
		buffer = protowire.AppendVarint(buffer, uint64(state.GID))
		buffer = protowire.AppendVarint(buffer, uint64(state.PermissionBits))
		buffer = protowire.AppendVarint(buffer, uint64(protowire.EncodeZigZag(state.ModificationTime)))
	}
	return buffer
}

func appendContent(buffer []byte, content RegularContent) []byte {
	buffer = append(buffer, byte(content.Kind))
	switch content.Kind {
	case RegularContentEmpty:
		// No further fields.
	case RegularContentInline:
		buffer = protowire.AppendBytes(buffer, content.Inline)
	case RegularContentObject:
		buffer = append(buffer, content.Hash...)
		buffer = append(buffer, content.Slot)
	}
	return buffer
}

func appendNode(buffer []byte, node *PathNode) []byte {
	buffer = protowire.AppendBytes(buffer, []byte(node.Path))
	buffer = append(buffer, byte(node.Policy))
	buffer = protowire.AppendVarint(buffer, uint64(node.Hint))
	buffer = appendHistoryChain(buffer, node.History)
	buffer = protowire.AppendVarint(buffer, uint64(len(node.Subnodes)))
	for _, child := range node.Subnodes {
		buffer = appendNode(buffer, child)
	}
	return buffer
}

// Decode parses a byte stream produced by Encode back into a Metadata
// tree. It refuses unrecognized format versions, policy values, state
// tags, and content tags by returning an error wrapping
// nberrors.ErrCorruptMetadata rather than guessing at their meaning.
func Decode(data []byte) (*Metadata, error) {
	m, err := New()
	if err != nil {
		return nil, err
	}

	r := &reader{data: data}

	version, ok := r.byte()
	if !ok {
		return nil, corrupt("missing format version")
	}
	if version != formatVersion {
		return nil, corrupt(fmt.Sprintf("unsupported format version %d", version))
	}

	backupsByID := map[uint64]*Backup{}

	current, err := r.backup()
	if err != nil {
		return nil, err
	}
	m.CurrentBackup = current
	backupsByID[current.ID] = current

	historyCount, ok := r.varint()
	if !ok {
		return nil, corrupt("truncated backup history count")
	}
	m.BackupHistory = make([]*Backup, 0, historyCount)
	for i := uint64(0); i < historyCount; i++ {
		backup, err := r.backup()
		if err != nil {
			return nil, err
		}
		m.BackupHistory = append(m.BackupHistory, backup)
		backupsByID[backup.ID] = backup
	}

	configHistory, err := r.historyChain(backupsByID)
	if err != nil {
		return nil, err
	}
	m.ConfigHistory = configHistory

	totalPathCount, ok := r.varint()
	if !ok {
		return nil, corrupt("truncated total path count")
	}
	m.TotalPathCount = totalPathCount

	topLevelCount, ok := r.varint()
	if !ok {
		return nil, corrupt("truncated top-level path count")
	}
	for i := uint64(0); i < topLevelCount; i++ {
		node, err := r.node(backupsByID, m)
		if err != nil {
			return nil, err
		}
		m.Paths = append(m.Paths, node)
		m.pathTable.Insert([]byte(node.Path), node)
	}

	if !r.atEnd() {
		return nil, corrupt("trailing bytes after decoding complete tree")
	}

	return m, nil
}

func corrupt(reason string) error {
	return fmt.Errorf("%s: %w", reason, nberrors.ErrCorruptMetadata)
}

// reader is a forward-only cursor over an encoded byte stream.
type reader struct {
	data   []byte
	offset int
}

func (r *reader) atEnd() bool {
	return r.offset >= len(r.data)
}

func (r *reader) byte() (byte, bool) {
	if r.offset >= len(r.data) {
		return 0, false
	}
	b := r.data[r.offset]
	r.offset++
	return b, true
}

func (r *reader) bytesN(n int) ([]byte, bool) {
	if n < 0 || r.offset+n > len(r.data) {
		return nil, false
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, true
}

func (r *reader) varint() (uint64, bool) {
	v, n := protowire.ConsumeVarint(r.data[r.offset:])
	if n < 0 {
		return 0, false
	}
	r.offset += n
	return v, true
}

func (r *reader) zigzag() (int64, bool) {
	v, ok := r.varint()
	if !ok {
		return 0, false
	}
	return protowire.DecodeZigZag(v), true
}

func (r *reader) lengthDelimited() ([]byte, bool) {
	v, n := protowire.ConsumeBytes(r.data[r.offset:])
	if n < 0 {
		return nil, false
	}
	r.offset += n
	return v, true
}

func (r *reader) backup() (*Backup, error) {
	id, ok := r.varint()
	if !ok {
		return nil, corrupt("truncated backup id")
	}
	completionTime, ok := r.zigzag()
	if !ok {
		return nil, corrupt("truncated backup completion time")
	}
	refCount, ok := r.varint()
	if !ok {
		return nil, corrupt("truncated backup ref count")
	}
	return &Backup{ID: id, CompletionTime: completionTime, RefCount: refCount}, nil
}

func (r *reader) historyChain(backupsByID map[uint64]*Backup) (*HistoryPoint, error) {
	count, ok := r.varint()
	if !ok {
		return nil, corrupt("truncated history point count")
	}

	points := make([]*HistoryPoint, count)
	for i := uint64(0); i < count; i++ {
		backupID, ok := r.varint()
		if !ok {
			return nil, corrupt("truncated history point backup id")
		}
		backup, ok := backupsByID[backupID]
		if !ok {
			return nil, corrupt(fmt.Sprintf("history point references unknown backup id %d", backupID))
		}
		state, err := r.state()
		if err != nil {
			return nil, err
		}
		points[i] = &HistoryPoint{Backup: backup, State: state}
	}

	for i := 0; i+1 < len(points); i++ {
		points[i].Next = points[i+1]
	}
	if len(points) == 0 {
		return nil, nil
	}
	return points[0], nil
}

func (r *reader) state() (PathState, error) {
	kind, ok := r.byte()
	if !ok {
		return PathState{}, corrupt("truncated state kind")
	}

	switch PathStateKind(kind) {
	case PathStateNonExisting:
		return PathState{Kind: PathStateNonExisting}, nil
	case PathStateRegular:
		uid, ok1 := r.varint()
		gid, ok2 := r.varint()
		permissionBits, ok3 := r.varint()
		mtime, ok4 := r.zigzag()
		size, ok5 := r.varint()
		if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
			return PathState{}, corrupt("truncated regular state")
		}
		content, err := r.content()
		if err != nil {
			return PathState{}, err
		}
		return PathState{
			Kind:             PathStateRegular,
			UID:              uint32(uid),
			GID:              uint32(gid),
			PermissionBits:   uint32(permissionBits),
			ModificationTime: mtime,
			Size:             size,
			Content:          content,
		}, nil
	case PathStateSymlink:
		uid, ok1 := r.varint()
		gid, ok2 := r.varint()
		target, ok3 := r.lengthDelimited()
		if !ok1 || !ok2 || !ok3 {
			return PathState{}, corrupt("truncated symlink state")
		}
		return PathState{
			Kind:   PathStateSymlink,
			UID:    uint32(uid),
			GID:    uint32(gid),
			Target: append([]byte(nil), target...),
		}, nil
	case PathStateDirectory:
		uid, ok1 := r.varint()
		gid, ok2 := r.varint()
		permissionBits, ok3 := r.varint()
		mtime, ok4 := r.zigzag()
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return PathState{}, corrupt("truncated directory state")
		}
		return PathState{
			Kind:             PathStateDirectory,
			UID:              uint32(uid),
			GID:              uint32(gid),
			PermissionBits:   uint32(permissionBits),
			ModificationTime: mtime,
		}, nil
	default:
		return PathState{}, corrupt(fmt.Sprintf("unknown state tag %d", kind))
	}
}

func (r *reader) content() (RegularContent, error) {
	kind, ok := r.byte()
	if !ok {
		return RegularContent{}, corrupt("truncated content kind")
	}

	switch RegularContentKind(kind) {
	case RegularContentEmpty:
		return RegularContent{Kind: RegularContentEmpty}, nil
	case RegularContentInline:
		inline, ok := r.lengthDelimited()
		if !ok {
			return RegularContent{}, corrupt("truncated inline content")
		}
		return RegularContent{Kind: RegularContentInline, Inline: append([]byte(nil), inline...)}, nil
	case RegularContentObject:
		hash, ok := r.bytesN(HashWidth)
		if !ok {
			return RegularContent{}, corrupt("truncated object content hash")
		}
		slot, ok := r.byte()
		if !ok {
			return RegularContent{}, corrupt("truncated object content slot")
		}
		return RegularContent{
			Kind: RegularContentObject,
			Hash: append([]byte(nil), hash...),
			Slot: slot,
		}, nil
	default:
		return RegularContent{}, corrupt(fmt.Sprintf("unknown content tag %d", kind))
	}
}

func (r *reader) node(backupsByID map[uint64]*Backup, m *Metadata) (*PathNode, error) {
	path, ok := r.lengthDelimited()
	if !ok {
		return nil, corrupt("truncated node path")
	}
	policy, ok := r.byte()
	if !ok {
		return nil, corrupt("truncated node policy")
	}
	if policy > byte(PolicyTrack) {
		return nil, corrupt(fmt.Sprintf("unknown policy tag %d", policy))
	}
	hint, ok := r.varint()
	if !ok {
		return nil, corrupt("truncated node hint")
	}
	history, err := r.historyChain(backupsByID)
	if err != nil {
		return nil, err
	}
	subnodeCount, ok := r.varint()
	if !ok {
		return nil, corrupt("truncated subnode count")
	}

	node := &PathNode{
		Path:    string(path),
		Policy:  Policy(policy),
		Hint:    BackupHint(hint),
		History: history,
	}

	for i := uint64(0); i < subnodeCount; i++ {
		child, err := r.node(backupsByID, m)
		if err != nil {
			return nil, err
		}
		node.Subnodes = append(node.Subnodes, child)
		m.pathTable.Insert([]byte(child.Path), child)
	}

	return node, nil
}
