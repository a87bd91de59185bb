package twilio

import (
	"bytes"
	"encoding/xml"
)

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlMessage struct {
	XMLName xml.Name `xml:"Message"`
	Body    string   `xml:",chardata"`
}

// RenderReply renders a TwiML Messaging response. An empty reply renders an
// empty <Response/> so Twilio sends nothing.
func RenderReply(text string) (string, error) {
	var r twimlResponse
	if text != "" {
		r.Verbs = append(r.Verbs, twimlMessage{Body: text})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
