package core

import (
	"encoding/binary"
	"fmt"
)

// Command is a replicated state machine command. Commands are encoded into
// raft log entries by the proposer and decoded by every node's apply loop,
// so the encoding must stay stable across versions.
type Command struct {
	Type  EntryType
	Key   []byte
	Value []byte
}

// EncodeCommand serializes a command as:
// type(1) | key_len(uvarint) | key | value_len(uvarint) | value.
func EncodeCommand(cmd Command) []byte {
	buf := make([]byte, 0, 1+2*binary.MaxVarintLen32+len(cmd.Key)+len(cmd.Value))
	buf = append(buf, byte(cmd.Type))
	buf = binary.AppendUvarint(buf, uint64(len(cmd.Key)))
	buf = append(buf, cmd.Key...)
	buf = binary.AppendUvarint(buf, uint64(len(cmd.Value)))
	buf = append(buf, cmd.Value...)
	return buf
}

// DecodeCommand deserializes a command produced by EncodeCommand.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if len(data) < 1 {
		return cmd, fmt.Errorf("command too short: %w", ErrCorrupted)
	}
	cmd.Type = EntryType(data[0])
	rest := data[1:]

	keyLen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest[n:])) < keyLen {
		return cmd, fmt.Errorf("command key length invalid: %w", ErrCorrupted)
	}
	rest = rest[n:]
	cmd.Key = rest[:keyLen]
	rest = rest[keyLen:]

	valLen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest[n:])) < valLen {
		return cmd, fmt.Errorf("command value length invalid: %w", ErrCorrupted)
	}
	rest = rest[n:]
	cmd.Value = rest[:valLen]

	switch cmd.Type {
	case EntryTypePut, EntryTypeDelete:
	default:
		return cmd, fmt.Errorf("unknown command type %q: %w", byte(cmd.Type), ErrCorrupted)
	}
	return cmd, nil
}
