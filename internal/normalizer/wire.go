package normalizer

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Baileys serializes numbers inconsistently: plain numbers, numeric strings
// or protobuf Long objects ({"low":..,"high":..,"unsigned":..}).
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = flexInt(v)
		return nil
	case '{':
		var long struct {
			Low  int64 `json:"low"`
			High int64 `json:"high"`
		}
		if err := json.Unmarshal(data, &long); err != nil {
			return err
		}
		*f = flexInt(long.High<<32 | (long.Low & 0xffffffff))
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexInt(v)
	return nil
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// flexString keeps string values and ignores anything else (mediaKey arrives
// as a base64 string or as a byte map depending on the gateway version).
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
	}
	return nil
}

// flexBool accepts booleans and the strings "true"/"false".
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, _ := strconv.ParseBool(s)
		*f = flexBool(v)
	}
	return nil
}

type wireContextInfo struct {
	StanzaID     string   `json:"stanzaId"`
	MentionedJid []string `json:"mentionedJid"`
}

type wireExtendedText struct {
	Text        string          `json:"text"`
	ContextInfo wireContextInfo `json:"contextInfo"`
}

type wireMedia struct {
	URL         string     `json:"url"`
	Mimetype    string     `json:"mimetype"`
	Caption     string     `json:"caption"`
	FileName    string     `json:"fileName"`
	Title       string     `json:"title"`
	FileLength  flexInt    `json:"fileLength"`
	Seconds     flexInt    `json:"seconds"`
	PageCount   flexInt    `json:"pageCount"`
	Width       flexInt    `json:"width"`
	Height      flexInt    `json:"height"`
	DirectPath  string     `json:"directPath"`
	MediaKey    flexString `json:"mediaKey"`
	PTT         flexBool   `json:"ptt"`
	GifPlayback flexBool   `json:"gifPlayback"`
	IsAnimated  flexBool   `json:"isAnimated"`
}

func (w wireMedia) ref() MediaRef {
	return MediaRef{
		URL:        w.URL,
		MimeType:   w.Mimetype,
		FileName:   w.FileName,
		FileLength: int64(w.FileLength),
		DirectPath: w.DirectPath,
		MediaKey:   string(w.MediaKey),
	}
}

type wireLocation struct {
	DegreesLatitude  flexFloat `json:"degreesLatitude"`
	DegreesLongitude flexFloat `json:"degreesLongitude"`
	Name             string    `json:"name"`
	Address          string    `json:"address"`
}

type wireContact struct {
	DisplayName string `json:"displayName"`
	VCard       string `json:"vcard"`
}

type wireReaction struct {
	Key struct {
		ID        string `json:"id"`
		RemoteJid string `json:"remoteJid"`
	} `json:"key"`
	Text string `json:"text"`
}

type wireButtons struct {
	ContentText string `json:"contentText"`
	FooterText  string `json:"footerText"`
	Buttons     []struct {
		ButtonID   string `json:"buttonId"`
		ButtonText struct {
			DisplayText string `json:"displayText"`
		} `json:"buttonText"`
	} `json:"buttons"`
}

type wireList struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ButtonText  string `json:"buttonText"`
}

type wireButtonReply struct {
	SelectedButtonID    string `json:"selectedButtonId"`
	SelectedDisplayText string `json:"selectedDisplayText"`
}

type wireListReply struct {
	Title             string `json:"title"`
	SingleSelectReply struct {
		SelectedRowID string `json:"selectedRowId"`
	} `json:"singleSelectReply"`
}
