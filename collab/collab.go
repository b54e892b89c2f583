package collab

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// the table that holds document rows in the backend
const DefaultTable = "pages"

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

type Emoji struct {
	Char string `json:"char"`
	Name string `json:"name"`
}

// a row in the backend document table
type Document struct {
	Id          Id        `json:"id"`
	ParentId    *Id       `json:"parent_id"`
	OwnerId     Id        `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Emoji       *Emoji    `json:"emoji"`
	Content     string    `json:"content"`
	ImageUrl    string    `json:"image_url"`
	IsDeleted   bool      `json:"is_deleted"`
	IsFavorite  bool      `json:"is_favorite"`
	IsPublished bool      `json:"is_published"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (self *Document) Copy() *Document {
	doc := *self
	if self.ParentId != nil {
		parentId := *self.ParentId
		doc.ParentId = &parentId
	}
	if self.Emoji != nil {
		emoji := *self.Emoji
		doc.Emoji = &emoji
	}
	return &doc
}

// tri-state field for partial row updates:
// absent (not part of the patch), null, or set
type Optional[T any] struct {
	Present bool
	Value   *T
}

func Set[T any](value T) Optional[T] {
	return Optional[T]{
		Present: true,
		Value:   &value,
	}
}

func Null[T any]() Optional[T] {
	return Optional[T]{
		Present: true,
	}
}

// a partial update of the mutable document columns.
// absent fields are left untouched by the backend.
type DocumentPatch struct {
	Title       Optional[string]
	Description Optional[string]
	Emoji       Optional[Emoji]
	Content     Optional[string]
	ImageUrl    Optional[string]
	IsDeleted   Optional[bool]
	IsFavorite  Optional[bool]
	IsPublished Optional[bool]
	ParentId    Optional[Id]
}

func (self DocumentPatch) IsEmpty() bool {
	return !self.Title.Present &&
		!self.Description.Present &&
		!self.Emoji.Present &&
		!self.Content.Present &&
		!self.ImageUrl.Present &&
		!self.IsDeleted.Present &&
		!self.IsFavorite.Present &&
		!self.IsPublished.Present &&
		!self.ParentId.Present
}

// fields present in `next` win over fields present in `self`
func (self DocumentPatch) Union(next DocumentPatch) DocumentPatch {
	out := self
	if next.Title.Present {
		out.Title = next.Title
	}
	if next.Description.Present {
		out.Description = next.Description
	}
	if next.Emoji.Present {
		out.Emoji = next.Emoji
	}
	if next.Content.Present {
		out.Content = next.Content
	}
	if next.ImageUrl.Present {
		out.ImageUrl = next.ImageUrl
	}
	if next.IsDeleted.Present {
		out.IsDeleted = next.IsDeleted
	}
	if next.IsFavorite.Present {
		out.IsFavorite = next.IsFavorite
	}
	if next.IsPublished.Present {
		out.IsPublished = next.IsPublished
	}
	if next.ParentId.Present {
		out.ParentId = next.ParentId
	}
	return out
}

func (self DocumentPatch) ApplyTo(doc *Document) {
	if self.Title.Present {
		doc.Title = stringValue(self.Title)
	}
	if self.Description.Present {
		doc.Description = stringValue(self.Description)
	}
	if self.Emoji.Present {
		doc.Emoji = self.Emoji.Value
	}
	if self.Content.Present {
		doc.Content = stringValue(self.Content)
	}
	if self.ImageUrl.Present {
		doc.ImageUrl = stringValue(self.ImageUrl)
	}
	if self.IsDeleted.Present {
		doc.IsDeleted = self.IsDeleted.Value != nil && *self.IsDeleted.Value
	}
	if self.IsFavorite.Present {
		doc.IsFavorite = self.IsFavorite.Value != nil && *self.IsFavorite.Value
	}
	if self.IsPublished.Present {
		doc.IsPublished = self.IsPublished.Value != nil && *self.IsPublished.Value
	}
	if self.ParentId.Present {
		doc.ParentId = self.ParentId.Value
	}
}

func stringValue(opt Optional[string]) string {
	if opt.Value == nil {
		return ""
	}
	return *opt.Value
}

// a new document row. absent title defaults to "untitled" at the backend.
type DocumentInsert struct {
	ParentId    *Id    `json:"parent_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Emoji       *Emoji `json:"emoji"`
}

// an identity attached to a presence channel
type PresenceIdentity struct {
	Id        Id     `json:"id"`
	Email     string `json:"email"`
	AvatarUrl string `json:"avatarUrl"`
}

type NoticeLevel string

const (
	NoticeLevelInfo  NoticeLevel = "info"
	NoticeLevelError NoticeLevel = "error"
)

// advisory user-facing notification. never blocks, never fatal.
type Notice struct {
	Level       NoticeLevel
	Title       string
	Description string
}

type NotifyFunction = func(notice *Notice)

func noopNotify(notice *Notice) {
}

func notifyOrNoop(notify NotifyFunction) NotifyFunction {
	if notify == nil {
		return noopNotify
	}
	return notify
}
