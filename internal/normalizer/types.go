package normalizer

// Kind is the canonical message kind stored on every persisted message.
type Kind string

const (
	KindText        Kind = "text"
	KindImage       Kind = "image"
	KindVideo       Kind = "video"
	KindAudio       Kind = "audio"
	KindDocument    Kind = "document"
	KindLocation    Kind = "location"
	KindContact     Kind = "contact"
	KindSticker     Kind = "sticker"
	KindReaction    Kind = "reaction"
	KindButtons     Kind = "buttons"
	KindList        Kind = "list"
	KindButtonReply Kind = "button_reply"
	KindListReply   Kind = "list_reply"
	KindUnknown     Kind = "unknown"
)

// MediaRef describes an attachment. Storage fields are filled by the media
// archiver after normalization.
type MediaRef struct {
	URL          string `json:"url,omitempty"`
	MimeType     string `json:"mimetype,omitempty"`
	FileName     string `json:"fileName,omitempty"`
	FileLength   int64  `json:"fileLength,omitempty"`
	DirectPath   string `json:"directPath,omitempty"`
	MediaKey     string `json:"mediaKey,omitempty"`
	StorageKey   string `json:"storageKey,omitempty"`
	PublicURL    string `json:"publicUrl,omitempty"`
	ThumbnailKey string `json:"thumbnailKey,omitempty"`
}

// Content is the tagged union of message variants. Exactly one concrete type
// below implements it per message.
type Content interface {
	Kind() Kind
	isContent()
}

type Text struct {
	Body     string
	QuotedID string
	Mentions []string
}

type Image struct {
	Media   MediaRef
	Caption string
	Width   int64
	Height  int64
}

type Video struct {
	Media   MediaRef
	Caption string
	Seconds int64
	GIF     bool
}

type Audio struct {
	Media   MediaRef
	Seconds int64
	Voice   bool
}

type Document struct {
	Media     MediaRef
	Caption   string
	Title     string
	PageCount int64
}

type Location struct {
	Latitude  float64
	Longitude float64
	Name      string
	Address   string
}

type ContactCard struct {
	DisplayName string
	VCard       string
}

type Sticker struct {
	Media    MediaRef
	Animated bool
}

type Reaction struct {
	Emoji    string
	TargetID string
}

type ButtonsPrompt struct {
	Text    string
	Footer  string
	Buttons []string
}

type ListPrompt struct {
	Title       string
	Description string
	ButtonText  string
}

type ButtonReply struct {
	ButtonID string
	Text     string
}

type ListReply struct {
	RowID string
	Title string
}

// Unknown carries the top-level field names of a payload no variant matched.
type Unknown struct {
	Fields []string
}

func (Text) Kind() Kind          { return KindText }
func (Image) Kind() Kind         { return KindImage }
func (Video) Kind() Kind         { return KindVideo }
func (Audio) Kind() Kind         { return KindAudio }
func (Document) Kind() Kind      { return KindDocument }
func (Location) Kind() Kind      { return KindLocation }
func (ContactCard) Kind() Kind   { return KindContact }
func (Sticker) Kind() Kind       { return KindSticker }
func (Reaction) Kind() Kind      { return KindReaction }
func (ButtonsPrompt) Kind() Kind { return KindButtons }
func (ListPrompt) Kind() Kind    { return KindList }
func (ButtonReply) Kind() Kind   { return KindButtonReply }
func (ListReply) Kind() Kind     { return KindListReply }
func (Unknown) Kind() Kind       { return KindUnknown }

func (Text) isContent()          {}
func (Image) isContent()         {}
func (Video) isContent()         {}
func (Audio) isContent()         {}
func (Document) isContent()      {}
func (Location) isContent()      {}
func (ContactCard) isContent()   {}
func (Sticker) isContent()       {}
func (Reaction) isContent()      {}
func (ButtonsPrompt) isContent() {}
func (ListPrompt) isContent()    {}
func (ButtonReply) isContent()   {}
func (ListReply) isContent()     {}
func (Unknown) isContent()       {}

// Message is the canonical record produced by Normalize.
type Message struct {
	Kind        Kind
	DisplayText string
	Media       *MediaRef
	Extra       map[string]any
	Content     Content

	// InlineData is base64 media the gateway embedded in the payload. It is
	// consumed by the media archiver and never persisted.
	InlineData string
}
