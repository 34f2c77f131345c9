// Copyright 2024 OvlStack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package overlay

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"ovlstack/internal/layer"
)

// File handle wire layout:
//
//	0      version
//	1      magic (0xfb)
//	2      total length
//	3      flags
//	4      fid type
//	5..20  filesystem uuid
//	21..   fid bytes
const (
	fhVersion = 0
	fhMagic   = 0xfb

	// HandleHeaderSize is the fixed part of an encoded handle.
	HandleHeaderSize = 21
	// MaxFIDSize bounds the store specific part of a handle.
	MaxFIDSize = 128

	// MinIndexNameLen is the shortest possible index entry name.
	MinIndexNameLen = HandleHeaderSize * 2
)

// Handle flags
const (
	FlagBigEndian = 1 << 0
	FlagAnyEndian = 1 << 1
	FlagPathUpper = 1 << 2

	flagAll = FlagBigEndian | FlagAnyEndian | FlagPathUpper
)

var cpuEndianFlag = func() uint8 {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], 1)
	if b[0] == 0 {
		return FlagBigEndian
	}
	return 0
}()

// HandleCheck is the outcome of validating an encoded handle.
type HandleCheck int

const (
	// HandleValid can be decoded against a layer
	HandleValid HandleCheck = iota
	// HandleUnknown is well formed but from a newer format or a foreign
	// byte order; its origin is treated as unknown
	HandleUnknown
	// HandleInvalid is corrupt
	HandleInvalid
)

func (c HandleCheck) String() string {
	switch c {
	case HandleValid:
		return "valid"
	case HandleUnknown:
		return "origin-unknown"
	case HandleInvalid:
		return "invalid"
	}
	return fmt.Sprintf("check(%d)", int(c))
}

// FileHandle is a decoded overlay file handle.
type FileHandle struct {
	Version uint8
	Flags   uint8
	Type    uint8
	UUID    uuid.UUID
	FID     []byte
}

// newHandle wraps a store FID. The caller picks the UUID according to the
// mount's uuid policy.
func newHandle(fid layer.FID, id uuid.UUID, isUpper bool) (*FileHandle, error) {
	if len(fid.Data) > MaxFIDSize {
		return nil, fmt.Errorf("file handle of %d bytes: %w", len(fid.Data), EIO)
	}
	flags := cpuEndianFlag
	if isUpper {
		flags |= FlagPathUpper
	}
	return &FileHandle{
		Version: fhVersion,
		Flags:   flags,
		Type:    fid.Type,
		UUID:    id,
		FID:     append([]byte(nil), fid.Data...),
	}, nil
}

// Len returns the encoded length.
func (fh *FileHandle) Len() int { return HandleHeaderSize + len(fh.FID) }

// IsUpper reports whether the handle points into the upper layer.
func (fh *FileHandle) IsUpper() bool { return fh.Flags&FlagPathUpper != 0 }

// LayerFID returns the store specific part of the handle.
func (fh *FileHandle) LayerFID() layer.FID {
	return layer.FID{Type: fh.Type, Data: fh.FID}
}

// Bytes encodes the handle.
func (fh *FileHandle) Bytes() []byte {
	b := make([]byte, fh.Len())
	b[0] = fh.Version
	b[1] = fhMagic
	b[2] = uint8(fh.Len())
	b[3] = fh.Flags
	b[4] = fh.Type
	copy(b[5:HandleHeaderSize], fh.UUID[:])
	copy(b[HandleHeaderSize:], fh.FID)
	return b
}

// Equal compares the encoded form of two handles.
func (fh *FileHandle) Equal(o *FileHandle) bool {
	return bytes.Equal(fh.Bytes(), o.Bytes())
}

// CheckHandle classifies an encoded handle. The declared length and the
// magic are checked before anything else is looked at.
func CheckHandle(b []byte) HandleCheck {
	if len(b) < HandleHeaderSize || len(b) < int(b[2]) || int(b[2]) < HandleHeaderSize {
		return HandleInvalid
	}
	if b[1] != fhMagic {
		return HandleInvalid
	}
	version, flags := b[0], b[3]
	if version > fhVersion || flags&^flagAll != 0 {
		return HandleUnknown
	}
	if flags&FlagAnyEndian == 0 && flags&FlagBigEndian != cpuEndianFlag {
		return HandleUnknown
	}
	return HandleValid
}

// ParseHandle decodes b. The handle is returned for valid and unknown
// handles so callers can report on it; it is nil for invalid ones.
func ParseHandle(b []byte) (*FileHandle, HandleCheck) {
	check := CheckHandle(b)
	if check == HandleInvalid {
		return nil, check
	}
	n := int(b[2])
	fh := &FileHandle{
		Version: b[0],
		Flags:   b[3],
		Type:    b[4],
		FID:     append([]byte(nil), b[HandleHeaderSize:n]...),
	}
	copy(fh.UUID[:], b[5:HandleHeaderSize])
	return fh, check
}

// IndexName returns the index entry name for a handle: the lower case
// hex encoding of its bytes.
func IndexName(fh *FileHandle) string {
	return hex.EncodeToString(fh.Bytes())
}

// ParseIndexName decodes an index entry name back into handle bytes.
func ParseIndexName(name string) ([]byte, error) {
	if len(name) < MinIndexNameLen || len(name)%2 != 0 {
		return nil, fmt.Errorf("index name %q: bad length: %w", name, EINVAL)
	}
	b, err := hex.DecodeString(name)
	if err != nil {
		return nil, fmt.Errorf("index name %q: %w", name, EINVAL)
	}
	return b, nil
}
