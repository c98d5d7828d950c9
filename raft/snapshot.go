package raft

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/INLOpen/nexuskv/core"
	"github.com/google/uuid"
)

const snapshotDirPrefix = "snapshot-"

// snapshotResult is posted to the event loop when an off-loop snapshot
// capture finishes. index and term are the log position the capture covers.
type snapshotResult struct {
	dir   string
	index uint64
	term  uint64
	err   error
}

// maybeSnapshot compacts the log once it has grown past the configured
// threshold. The capture itself can take a long time on a large engine, so
// it runs off the event loop; the boundary update and prefix compaction
// happen when the result comes back. At most one capture runs at a time.
func (n *Node) maybeSnapshot() {
	if n.cfg.SnapshotThreshold <= 0 || n.snapshotting {
		return
	}
	if n.log.Len() < n.cfg.SnapshotThreshold {
		return
	}
	if n.lastApplied <= n.lastIncludedIndex {
		return
	}

	appliedTerm, ok := n.termAt(n.lastApplied)
	if !ok {
		return
	}

	index, term := n.lastApplied, appliedTerm
	dir := filepath.Join(n.cfg.DataDir, snapshotDirPrefix+uuid.NewString())
	n.snapshotting = true
	go func() {
		err := n.sm.CreateSnapshot(context.Background(), dir)
		select {
		case n.resultChan <- &snapshotResult{dir: dir, index: index, term: term, err: err}:
		case <-n.stopChan:
			os.RemoveAll(dir)
		}
	}()
}

// handleSnapshotResult finishes a snapshot capture: the boundary moves to the
// captured index, the state is persisted, and the log prefix is dropped.
func (n *Node) handleSnapshotResult(res *snapshotResult) {
	n.snapshotting = false
	if res.err != nil {
		n.logger.Error("Snapshot creation failed.", "dir", res.dir, "error", res.err)
		os.RemoveAll(res.dir)
		return
	}
	// An installed snapshot may have moved the boundary past this capture
	// while it was running.
	if res.index <= n.lastIncludedIndex {
		os.RemoveAll(res.dir)
		return
	}

	previousDir := n.snapshotDir
	n.snapshotDir = res.dir
	n.lastIncludedIndex = res.index
	n.lastIncludedTerm = res.term
	n.persistState()

	if err := n.log.CompactPrefix(n.lastIncludedIndex); err != nil {
		n.logger.Error("Log compaction failed after snapshot.", "error", err)
		return
	}
	if previousDir != "" {
		os.RemoveAll(previousDir)
	}
	n.removeStaleSnapshotDirs()

	n.metrics.SnapshotsCreatedTotal.Add(1)
	n.logger.Info("Snapshot taken and log compacted.",
		"last_included_index", n.lastIncludedIndex,
		"last_included_term", n.lastIncludedTerm,
		"retained_entries", n.log.Len())
}

func (n *Node) removeStaleSnapshotDirs() {
	entries, err := os.ReadDir(n.cfg.DataDir)
	if err != nil {
		return
	}
	current := filepath.Base(n.snapshotDir)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), snapshotDirPrefix) {
			continue
		}
		if entry.Name() == current {
			continue
		}
		os.RemoveAll(filepath.Join(n.cfg.DataDir, entry.Name()))
	}
}

// findLatestSnapshotDir locates the most recent snapshot directory left by
// an earlier run. At most one exists after a clean shutdown.
func findLatestSnapshotDir(dataDir string) string {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return ""
	}
	var latest string
	var latestMod int64
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), snapshotDirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); latest == "" || mod > latestMod {
			latest = filepath.Join(dataDir, entry.Name())
			latestMod = mod
		}
	}
	return latest
}

// sendSnapshotToPeer ships the latest snapshot to a follower whose next
// index precedes the retained log.
func (n *Node) sendSnapshotToPeer(peerID string) {
	if n.snapshotDir == "" {
		// No snapshot on disk yet (the boundary came from a restart); take
		// one on the next heartbeat that passes the threshold check. Until
		// then the follower cannot be caught up.
		n.logger.Warn("Peer needs a snapshot but none is available.", "peer", peerID, "next_index", n.nextIndex[peerID])
		return
	}

	data, err := encodeSnapshotDir(n.snapshotDir)
	if err != nil {
		n.logger.Error("Failed to encode snapshot for transfer.", "dir", n.snapshotDir, "error", err)
		return
	}
	req := &InstallSnapshotRequest{
		Term:              n.term,
		LeaderID:          n.id,
		LastIncludedIndex: n.lastIncludedIndex,
		LastIncludedTerm:  n.lastIncludedTerm,
		Data:              data,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 4*n.cfg.RPCTimeout)
		defer cancel()
		resp, err := n.transport.SendInstallSnapshot(ctx, peerID, req)
		if err != nil {
			return
		}
		select {
		case n.resultChan <- &appendResult{from: peerID, sentTerm: req.Term, lastSentIndex: req.LastIncludedIndex, snapResp: resp}:
		case <-n.stopChan:
		}
	}()
}

// handleInstallSnapshot replaces this follower's state machine with the
// leader's snapshot and fast-forwards the log boundary.
func (n *Node) handleInstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotResponse {
	if req.Term > n.term {
		n.stepDown(req.Term)
	}
	resp := &InstallSnapshotResponse{Term: n.term}
	if req.Term < n.term {
		return resp
	}

	if n.State() != Follower {
		n.stepDown(req.Term)
	}
	n.leaderID.Store(req.LeaderID)
	n.resetElectionTimer()

	// A snapshot that does not move us forward is a stale retransmission.
	if req.LastIncludedIndex <= n.commitIndex {
		return resp
	}

	dir := filepath.Join(n.cfg.DataDir, snapshotDirPrefix+uuid.NewString())
	if err := decodeSnapshotDir(req.Data, dir); err != nil {
		n.logger.Error("Failed to unpack snapshot.", "error", err)
		os.RemoveAll(dir)
		return resp
	}
	if err := n.sm.RestoreFromSnapshot(context.Background(), dir); err != nil {
		n.logger.Error("Failed to restore state machine from snapshot.", "error", err)
		os.RemoveAll(dir)
		return resp
	}

	previousDir := n.snapshotDir
	n.snapshotDir = dir
	n.lastIncludedIndex = req.LastIncludedIndex
	n.lastIncludedTerm = req.LastIncludedTerm
	n.commitIndex = req.LastIncludedIndex
	n.lastApplied = req.LastIncludedIndex
	n.persistState()
	if err := n.log.Reset(req.LastIncludedIndex); err != nil {
		n.logger.Error("Failed to reset log after snapshot install.", "error", err)
	}
	if previousDir != "" {
		os.RemoveAll(previousDir)
	}

	n.metrics.SnapshotsInstalledTotal.Add(1)
	n.logger.Info("Installed snapshot from leader.",
		"leader", req.LeaderID,
		"last_included_index", req.LastIncludedIndex,
		"last_included_term", req.LastIncludedTerm)
	return resp
}

// encodeSnapshotDir flattens a snapshot directory into a single CRC-framed
// byte payload: count | per file (relative path, contents), all
// length-prefixed little-endian.
func encodeSnapshotDir(dir string) ([]byte, error) {
	type fileEntry struct {
		relPath string
		data    []byte
	}
	var files []fileEntry
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, fileEntry{relPath: filepath.ToSlash(rel), data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk snapshot directory: %w", err)
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(files)))
	for _, f := range files {
		binary.Write(&buf, binary.LittleEndian, uint16(len(f.relPath)))
		buf.WriteString(f.relPath)
		binary.Write(&buf, binary.LittleEndian, uint64(len(f.data)))
		buf.Write(f.data)
	}
	binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(buf.Bytes()))
	return buf.Bytes(), nil
}

// decodeSnapshotDir unpacks a payload produced by encodeSnapshotDir into dir.
func decodeSnapshotDir(data []byte, dir string) error {
	if len(data) < core.ChecksumSize {
		return fmt.Errorf("snapshot payload too short: %w", core.ErrCorrupted)
	}
	payload := data[:len(data)-core.ChecksumSize]
	stored := binary.LittleEndian.Uint32(data[len(data)-core.ChecksumSize:])
	if crc32.ChecksumIEEE(payload) != stored {
		return fmt.Errorf("snapshot payload checksum mismatch: %w", core.ErrCorrupted)
	}

	r := bytes.NewReader(payload)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		var pathLen uint16
		if err := binary.Read(r, binary.LittleEndian, &pathLen); err != nil {
			return err
		}
		pathBytes := make([]byte, pathLen)
		if _, err := io.ReadFull(r, pathBytes); err != nil {
			return err
		}
		relPath := filepath.FromSlash(string(pathBytes))
		if strings.Contains(relPath, "..") {
			return fmt.Errorf("snapshot payload contains unsafe path %q: %w", relPath, core.ErrCorrupted)
		}
		var dataLen uint64
		if err := binary.Read(r, binary.LittleEndian, &dataLen); err != nil {
			return err
		}
		contents := make([]byte, dataLen)
		if _, err := io.ReadFull(r, contents); err != nil {
			return err
		}
		destPath := filepath.Join(dir, relPath)
		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(destPath, contents, 0644); err != nil {
			return err
		}
	}
	return nil
}
