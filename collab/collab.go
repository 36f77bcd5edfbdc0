package collab

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
)

// layer path sentinel for the top level of a board
const RootLayerPath = "root"

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

// ulids are ordered by create time. The presence beacon relies on this
// property for ids minted by the same client.
func (self Id) LessThan(other Id) bool {
	return bytes.Compare(self[0:16], other[0:16]) < 0
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// comparable
// identifies one board of one app. The presence room key and the undo stack
// scope are both derived from this.
type BoardKey struct {
	AppId   string
	BoardId string
}

func NewBoardKey(appId string, boardId string) BoardKey {
	return BoardKey{
		AppId:   appId,
		BoardId: boardId,
	}
}

func (self BoardKey) Room() string {
	return fmt.Sprintf("%s:%s", self.AppId, self.BoardId)
}

func (self BoardKey) String() string {
	return self.Room()
}

// comparable
// an immutable historical snapshot tag. The live, editable head of a board
// is represented as the absence of a version (a nil *Version).
type Version [3]uint32

func NewVersion(major uint32, minor uint32, patch uint32) Version {
	return Version{major, minor, patch}
}

func ParseVersion(versionStr string) (Version, error) {
	parts := strings.Split(versionStr, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("cannot parse version %s", versionStr)
	}
	var version Version
	for i := 0; i < 3; i += 1 {
		v, err := strconv.ParseUint(parts[i], 10, 32)
		if err != nil {
			return Version{}, err
		}
		version[i] = uint32(v)
	}
	return version, nil
}

func (self Version) Major() uint32 {
	return self[0]
}

func (self Version) Minor() uint32 {
	return self[1]
}

func (self Version) Patch() uint32 {
	return self[2]
}

func (self Version) String() string {
	return fmt.Sprintf("%d.%d.%d", self[0], self[1], self[2])
}
