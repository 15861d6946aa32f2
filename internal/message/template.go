package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies the payload carried by a Template.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
)

// Template is one message variant of a campaign. Text templates carry Text;
// media templates carry a MediaRef (file path or URL) and an optional Caption.
type Template struct {
	Kind     Kind   `json:"type"`
	Text     string `json:"text,omitempty"`
	MediaRef string `json:"mediaRef,omitempty"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// Text builds a plain text template.
func Text(body string) Template {
	return Template{Kind: KindText, Text: body}
}

// Media builds a media template of the given kind.
func Media(kind Kind, ref, caption string) Template {
	return Template{Kind: kind, MediaRef: ref, Caption: caption}
}

// IsMedia reports whether the template carries an attachment.
func (t Template) IsMedia() bool {
	switch t.Kind {
	case KindImage, KindVideo, KindDocument, KindAudio:
		return true
	}
	return false
}

// Body returns the user visible text: the text body or the media caption.
func (t Template) Body() string {
	if t.IsMedia() {
		return t.Caption
	}
	return t.Text
}

// Validate checks that the template is internally consistent.
func (t Template) Validate() error {
	switch {
	case t.Kind == KindText || t.Kind == "":
		if strings.TrimSpace(t.Text) == "" {
			return fmt.Errorf("text template has empty body")
		}
	case t.IsMedia():
		if strings.TrimSpace(t.MediaRef) == "" {
			return fmt.Errorf("%s template has no media reference", t.Kind)
		}
	default:
		return fmt.Errorf("unknown template type %q", t.Kind)
	}
	return nil
}

// UnmarshalJSON accepts either a bare string (a text template) or an object.
func (t *Template) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = Text(s)
		return nil
	}

	type plain Template
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Kind == "" {
		p.Kind = KindText
	}
	*t = Template(p)
	return nil
}
