// Package normalizer turns the gateway's message payloads into one canonical
// tagged union. Normalize is total: any input, including garbage, produces a
// Message.
package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	placeholderEmpty = "[empty message]"
	maxWrapperDepth  = 4
)

// precedence is the fixed lookup order: text before media, media before
// interactive messages and replies.
var precedence = []string{
	"conversation",
	"extendedTextMessage",
	"imageMessage",
	"videoMessage",
	"audioMessage",
	"documentMessage",
	"locationMessage",
	"contactMessage",
	"stickerMessage",
	"reactionMessage",
	"buttonsMessage",
	"listMessage",
	"buttonsResponseMessage",
	"listResponseMessage",
}

// wrappers nest the real message one level down under "message".
var wrappers = []string{
	"ephemeralMessage",
	"viewOnceMessage",
	"viewOnceMessageV2",
	"viewOnceMessageV2Extension",
	"documentWithCaptionMessage",
}

// metadataFields travel alongside the content and never decide the kind.
var metadataFields = map[string]bool{
	"messageContextInfo": true,
	"base64":             true,
	"mediaUrl":           true,
}

// Normalize converts a raw message object into its canonical form.
func Normalize(raw json.RawMessage) Message {
	fields, err := decodeFields(raw)
	if err != nil {
		return unknownMessage(nil, map[string]any{"decodeError": err.Error()})
	}

	extra := map[string]any{}
	inline := stringField(fields, "base64")
	mediaURL := stringField(fields, "mediaUrl")

	for depth := 0; depth < maxWrapperDepth; depth++ {
		inner, wrapper, ok := unwrap(fields)
		if !ok {
			break
		}
		extra["wrapper"] = wrapper
		fields = inner
	}

	// Known keys without content make the payload empty, not unsupported.
	empty := map[string]bool{}
	for _, key := range precedence {
		value, ok := fields[key]
		if !ok {
			continue
		}
		if isNull(value) {
			empty[key] = true
			continue
		}
		msg, matched := build(key, value)
		if !matched {
			empty[key] = true
			continue
		}
		for k, v := range extra {
			if msg.Extra == nil {
				msg.Extra = map[string]any{}
			}
			msg.Extra[k] = v
		}
		msg.InlineData = inline
		if msg.Media != nil && mediaURL != "" {
			msg.Media.PublicURL = mediaURL
		}
		return msg
	}

	var names []string
	for k := range fields {
		if !metadataFields[k] && !empty[k] {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	if len(extra) == 0 {
		extra = nil
	}
	return unknownMessage(names, extra)
}

func unknownMessage(fields []string, extra map[string]any) Message {
	text := placeholderEmpty
	if len(fields) > 0 {
		text = "[unsupported message: " + fields[0] + "]"
	}
	return Message{
		Kind:        KindUnknown,
		DisplayText: text,
		Extra:       extra,
		Content:     Unknown{Fields: fields},
	}
}

func decodeFields(raw json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || isNull(trimmed) {
		return map[string]json.RawMessage{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("message is not an object: %w", err)
	}
	return fields, nil
}

func unwrap(fields map[string]json.RawMessage) (map[string]json.RawMessage, string, bool) {
	for _, key := range wrappers {
		value, ok := fields[key]
		if !ok || isNull(value) {
			continue
		}
		var wrapper struct {
			Message json.RawMessage `json:"message"`
		}
		if err := json.Unmarshal(value, &wrapper); err != nil {
			continue
		}
		inner, err := decodeFields(wrapper.Message)
		if err != nil || len(inner) == 0 {
			continue
		}
		return inner, key, true
	}
	return nil, "", false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// build decodes one precedence field. A shape that fails to decode still
// yields its kind with a placeholder text; a field with no usable content
// (an empty conversation string) reports no match so lookup continues.
func build(key string, raw json.RawMessage) (Message, bool) {
	switch key {
	case "conversation":
		var body string
		if err := json.Unmarshal(raw, &body); err != nil || body == "" {
			return Message{}, false
		}
		return Message{Kind: KindText, DisplayText: body, Content: Text{Body: body}}, true

	case "extendedTextMessage":
		var w wireExtendedText
		if err := json.Unmarshal(raw, &w); err != nil {
			return decodeFailure(KindText, "[text]", err), true
		}
		if w.Text == "" {
			return Message{}, false
		}
		content := Text{Body: w.Text, QuotedID: w.ContextInfo.StanzaID, Mentions: w.ContextInfo.MentionedJid}
		msg := Message{Kind: KindText, DisplayText: w.Text, Content: content}
		if content.QuotedID != "" || len(content.Mentions) > 0 {
			msg.Extra = map[string]any{}
			if content.QuotedID != "" {
				msg.Extra["quotedMessageId"] = content.QuotedID
			}
			if len(content.Mentions) > 0 {
				msg.Extra["mentions"] = content.Mentions
			}
		}
		return msg, true

	case "imageMessage":
		var w wireMedia
		if err := json.Unmarshal(raw, &w); err != nil {
			return decodeFailure(KindImage, "[image]", err), true
		}
		media := w.ref()
		return Message{
			Kind:        KindImage,
			DisplayText: firstNonEmpty(w.Caption, "[image]"),
			Media:       &media,
			Content:     Image{Media: media, Caption: w.Caption, Width: int64(w.Width), Height: int64(w.Height)},
		}, true

	case "videoMessage":
		var w wireMedia
		if err := json.Unmarshal(raw, &w); err != nil {
			return decodeFailure(KindVideo, "[video]", err), true
		}
		media := w.ref()
		return Message{
			Kind:        KindVideo,
			DisplayText: firstNonEmpty(w.Caption, "[video]"),
			Media:       &media,
			Content:     Video{Media: media, Caption: w.Caption, Seconds: int64(w.Seconds), GIF: bool(w.GifPlayback)},
		}, true

	case "audioMessage":
		var w wireMedia
		if err := json.Unmarshal(raw, &w); err != nil {
			return decodeFailure(KindAudio, "[audio]", err), true
		}
		media := w.ref()
		text := "[audio]"
		if w.PTT {
			text = "[voice message]"
		}
		return Message{
			Kind:        KindAudio,
			DisplayText: text,
			Media:       &media,
			Content:     Audio{Media: media, Seconds: int64(w.Seconds), Voice: bool(w.PTT)},
		}, true

	case "documentMessage":
		var w wireMedia
		if err := json.Unmarshal(raw, &w); err != nil {
			return decodeFailure(KindDocument, "[document]", err), true
		}
		media := w.ref()
		return Message{
			Kind:        KindDocument,
			DisplayText: firstNonEmpty(w.Caption, w.FileName, w.Title, "[document]"),
			Media:       &media,
			Content:     Document{Media: media, Caption: w.Caption, Title: w.Title, PageCount: int64(w.PageCount)},
		}, true

	case "locationMessage":
		var w wireLocation
		if err := json.Unmarshal(raw, &w); err != nil {
			return decodeFailure(KindLocation, "[location]", err), true
		}
		lat, lng := float64(w.DegreesLatitude), float64(w.DegreesLongitude)
		label := firstNonEmpty(w.Name, w.Address, strconv.FormatFloat(lat, 'f', -1, 64)+","+strconv.FormatFloat(lng, 'f', -1, 64))
		return Message{
			Kind:        KindLocation,
			DisplayText: "[location] " + label,
			Extra:       map[string]any{"latitude": lat, "longitude": lng},
			Content:     Location{Latitude: lat, Longitude: lng, Name: w.Name, Address: w.Address},
		}, true

	case "contactMessage":
		var w wireContact
		if err := json.Unmarshal(raw, &w); err != nil {
			return decodeFailure(KindContact, "[contact]", err), true
		}
		text := "[contact]"
		if w.DisplayName != "" {
			text = "[contact] " + w.DisplayName
		}
		msg := Message{Kind: KindContact, DisplayText: text, Content: ContactCard{DisplayName: w.DisplayName, VCard: w.VCard}}
		if w.VCard != "" {
			msg.Extra = map[string]any{"vcard": w.VCard}
		}
		return msg, true

	case "stickerMessage":
		var w wireMedia
		if err := json.Unmarshal(raw, &w); err != nil {
			return decodeFailure(KindSticker, "[sticker]", err), true
		}
		media := w.ref()
		return Message{
			Kind:        KindSticker,
			DisplayText: "[sticker]",
			Media:       &media,
			Content:     Sticker{Media: media, Animated: bool(w.IsAnimated)},
		}, true

	case "reactionMessage":
		var w wireReaction
		if err := json.Unmarshal(raw, &w); err != nil {
			return decodeFailure(KindReaction, "[reaction]", err), true
		}
		text := "[reaction removed]"
		if w.Text != "" {
			text = "[reaction] " + w.Text
		}
		msg := Message{Kind: KindReaction, DisplayText: text, Content: Reaction{Emoji: w.Text, TargetID: w.Key.ID}}
		if w.Key.ID != "" {
			msg.Extra = map[string]any{"targetMessageId": w.Key.ID}
		}
		return msg, true

	case "buttonsMessage":
		var w wireButtons
		if err := json.Unmarshal(raw, &w); err != nil {
			return decodeFailure(KindButtons, "[buttons]", err), true
		}
		var labels []string
		for _, b := range w.Buttons {
			if b.ButtonText.DisplayText != "" {
				labels = append(labels, b.ButtonText.DisplayText)
			}
		}
		msg := Message{
			Kind:        KindButtons,
			DisplayText: firstNonEmpty(w.ContentText, "[buttons]"),
			Content:     ButtonsPrompt{Text: w.ContentText, Footer: w.FooterText, Buttons: labels},
		}
		if len(labels) > 0 {
			msg.Extra = map[string]any{"buttons": labels}
		}
		return msg, true

	case "listMessage":
		var w wireList
		if err := json.Unmarshal(raw, &w); err != nil {
			return decodeFailure(KindList, "[list]", err), true
		}
		return Message{
			Kind:        KindList,
			DisplayText: firstNonEmpty(w.Description, w.Title, "[list]"),
			Content:     ListPrompt{Title: w.Title, Description: w.Description, ButtonText: w.ButtonText},
		}, true

	case "buttonsResponseMessage":
		var w wireButtonReply
		if err := json.Unmarshal(raw, &w); err != nil {
			return decodeFailure(KindButtonReply, "[button reply]", err), true
		}
		return Message{
			Kind:        KindButtonReply,
			DisplayText: firstNonEmpty(w.SelectedDisplayText, w.SelectedButtonID, "[button reply]"),
			Extra:       map[string]any{"buttonId": w.SelectedButtonID},
			Content:     ButtonReply{ButtonID: w.SelectedButtonID, Text: w.SelectedDisplayText},
		}, true

	case "listResponseMessage":
		var w wireListReply
		if err := json.Unmarshal(raw, &w); err != nil {
			return decodeFailure(KindListReply, "[list reply]", err), true
		}
		rowID := w.SingleSelectReply.SelectedRowID
		return Message{
			Kind:        KindListReply,
			DisplayText: firstNonEmpty(w.Title, rowID, "[list reply]"),
			Extra:       map[string]any{"rowId": rowID},
			Content:     ListReply{RowID: rowID, Title: w.Title},
		}, true
	}
	return Message{}, false
}

// decodeFailure keeps the detected kind when its fields are malformed.
func decodeFailure(kind Kind, text string, err error) Message {
	msg := Message{Kind: kind, DisplayText: text, Extra: map[string]any{"decodeError": err.Error()}}
	switch kind {
	case KindText:
		msg.Content = Text{}
	case KindImage:
		msg.Content = Image{}
	case KindVideo:
		msg.Content = Video{}
	case KindAudio:
		msg.Content = Audio{}
	case KindDocument:
		msg.Content = Document{}
	case KindLocation:
		msg.Content = Location{}
	case KindContact:
		msg.Content = ContactCard{}
	case KindSticker:
		msg.Content = Sticker{}
	case KindReaction:
		msg.Content = Reaction{}
	case KindButtons:
		msg.Content = ButtonsPrompt{}
	case KindList:
		msg.Content = ListPrompt{}
	case KindButtonReply:
		msg.Content = ButtonReply{}
	case KindListReply:
		msg.Content = ListReply{}
	default:
		msg.Content = Unknown{}
	}
	return msg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
