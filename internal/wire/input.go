package wire

import (
	"encoding/json"
	"fmt"
)

// Tag identifies the kind of a data-channel event.
type Tag string

const (
	TagKey              Tag = "k"
	TagMouseAbs         Tag = "m"
	TagMouseRel         Tag = "rm"
	TagButton           Tag = "b"
	TagScroll           Tag = "s"
	TagClipboard        Tag = "c"
	TagPrimarySelection Tag = "cp"
	TagResize           Tag = "r"
	TagLayout           Tag = "l"
	TagQuality          Tag = "q"
	TagVisibility       Tag = "vs"
	TagCursor           Tag = "cur"
	TagFileUploadStart  Tag = "fs"
	TagFileUploadChunk  Tag = "fc"
	TagFileUploadDone   Tag = "fd"
	TagFileDownloadReq  Tag = "fdr"
	TagFileDownloadStart Tag = "fds"
	TagFileDownloadChunk Tag = "fdc"
	TagFileDownloadDone  Tag = "fdd"
	TagFileDownloadError Tag = "fde"
)

// Selection identifies which X11 selection a clipboard event targets.
type Selection int

const (
	SelectionClipboard Selection = iota
	SelectionPrimary
)

// ClipboardChange is a local-selection-changed notification produced by
// ClipboardSync.Run for forwarding to the browser.
type ClipboardChange struct {
	Selection Selection
	Text      string
}

// QualityMode is the client-requested encoder quality hint.
type QualityMode string

const (
	QualityAuto QualityMode = "auto"
	QualityHigh QualityMode = "high"
	QualityLow  QualityMode = "low"
)

// envelope is the on-wire shape: a tag plus a tag-specific payload.
type envelope struct {
	Tag     Tag             `json:"t"`
	Payload json.RawMessage `json:"p"`
}

// InputEvent is the decoded, tagged union of everything that can arrive on
// the input data channel. Exactly one payload field is meaningful,
// selected by Tag; callers switch on Tag before reading fields.
type InputEvent struct {
	Tag Tag

	// k
	EvdevCode uint16
	Down      bool

	// m (x,y normalized to [0,1] of video area), rm (dx,dy pixels), s (dx,dy pixels)
	X, Y   float64
	DX, DY float64

	// b
	ButtonID int

	// c / cp
	ClipboardText string

	// r
	Width, Height int

	// l
	Layout string

	// q
	Quality QualityMode

	// vs
	Visible bool

	// fs/fc/fd/fdr/fds/fdc/fdd/fde
	FileID    string
	Name      string
	Size      int64
	ChunkB64  string
	ErrorText string
}

type keyPayload struct {
	Code uint16 `json:"code"`
	Down bool   `json:"down"`
}
type mousePayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}
type deltaPayload struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}
type buttonPayload struct {
	ID   int  `json:"id"`
	Down bool `json:"down"`
}
type textPayload struct {
	Text string `json:"text"`
}
type resizePayload struct {
	W int `json:"w"`
	H int `json:"h"`
}
type layoutPayload struct {
	Name string `json:"name"`
}
type qualityPayload struct {
	Mode QualityMode `json:"mode"`
}
type visibilityPayload struct {
	Visible bool `json:"visible"`
}
type fileStartPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}
type fileChunkPayload struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}
type fileDonePayload struct {
	ID string `json:"id"`
}
type fileErrorPayload struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ErrUnknownTag is returned by ParseInputEvent for a tag this build does
// not recognize. Unknown tags are rejected, never silently ignored.
var ErrUnknownTag = fmt.Errorf("wire: unknown input event tag")

// ParseInputEvent decodes a single JSON envelope into an InputEvent.
func ParseInputEvent(raw []byte) (InputEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return InputEvent{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	ev := InputEvent{Tag: env.Tag}

	switch env.Tag {
	case TagKey:
		var p keyPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, err
		}
		ev.EvdevCode, ev.Down = p.Code, p.Down
	case TagMouseAbs:
		var p mousePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, err
		}
		ev.X, ev.Y = p.X, p.Y
	case TagMouseRel:
		var p deltaPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, err
		}
		ev.DX, ev.DY = p.DX, p.DY
	case TagButton:
		var p buttonPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, err
		}
		ev.ButtonID, ev.Down = p.ID, p.Down
	case TagScroll:
		var p deltaPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, err
		}
		ev.DX, ev.DY = p.DX, p.DY
	case TagClipboard, TagPrimarySelection:
		var p textPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, err
		}
		ev.ClipboardText = p.Text
	case TagResize:
		var p resizePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, err
		}
		ev.Width, ev.Height = p.W, p.H
	case TagLayout:
		var p layoutPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, err
		}
		ev.Layout = p.Name
	case TagQuality:
		var p qualityPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, err
		}
		ev.Quality = p.Mode
	case TagVisibility:
		var p visibilityPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, err
		}
		ev.Visible = p.Visible
	case TagFileUploadStart, TagFileDownloadStart:
		var p fileStartPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, err
		}
		ev.FileID, ev.Name, ev.Size = p.ID, p.Name, p.Size
	case TagFileUploadChunk, TagFileDownloadChunk:
		var p fileChunkPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, err
		}
		ev.FileID, ev.ChunkB64 = p.ID, p.Data
	case TagFileUploadDone, TagFileDownloadDone, TagFileDownloadReq:
		var p fileDonePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, err
		}
		ev.FileID = p.ID
	case TagFileDownloadError:
		var p fileErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, err
		}
		ev.FileID, ev.ErrorText = p.ID, p.Error
	default:
		return ev, ErrUnknownTag
	}
	return ev, nil
}

// EncodeCursor builds the agent→browser cursor-shape envelope (CSS cursor
// name), sent on the same channel as the browser's input events.
func EncodeCursor(cssCursor string) ([]byte, error) {
	return json.Marshal(envelope{
		Tag:     TagCursor,
		Payload: mustJSON(textPayload{Text: cssCursor}),
	})
}

// EncodeClipboard builds the agent→browser clipboard-changed envelope for
// the given selection.
func EncodeClipboard(selection Selection, text string) ([]byte, error) {
	tag := TagClipboard
	if selection == SelectionPrimary {
		tag = TagPrimarySelection
	}
	return json.Marshal(envelope{Tag: tag, Payload: mustJSON(textPayload{Text: text})})
}

// EncodeFileDownloadStart builds the fds envelope announcing a download's
// total size before its first chunk.
func EncodeFileDownloadStart(id, name string, size int64) ([]byte, error) {
	return json.Marshal(envelope{Tag: TagFileDownloadStart, Payload: mustJSON(fileStartPayload{ID: id, Name: name, Size: size})})
}

// EncodeFileDownloadChunk builds one fdc chunk envelope.
func EncodeFileDownloadChunk(id, b64Data string) ([]byte, error) {
	return json.Marshal(envelope{Tag: TagFileDownloadChunk, Payload: mustJSON(fileChunkPayload{ID: id, Data: b64Data})})
}

// EncodeFileDownloadDone builds the fdd terminal envelope.
func EncodeFileDownloadDone(id string) ([]byte, error) {
	return json.Marshal(envelope{Tag: TagFileDownloadDone, Payload: mustJSON(fileDonePayload{ID: id})})
}

// EncodeFileDownloadError builds the fde terminal error envelope.
func EncodeFileDownloadError(id, errText string) ([]byte, error) {
	return json.Marshal(envelope{Tag: TagFileDownloadError, Payload: mustJSON(fileErrorPayload{ID: id, Error: errText})})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
