package fetcher

import (
	"context"
	"encoding/xml"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// StreamXML decodes XML elements matching the given local name and sends them to a channel.
// The type parameter T must be a struct with appropriate xml tags.
// Both channels are closed when processing completes.
func StreamXML[T any](ctx context.Context, r io.Reader, elementName string) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := newXMLDecoder(r)
		for {
			se, err := nextStart(decoder, elementName)
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- err
				return
			}

			var item T
			if err := decoder.DecodeElement(&item, &se); err != nil {
				errCh <- eris.Wrap(err, "xml: decode element")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "xml: context cancelled")
				return
			}
		}
	}()

	return outCh, errCh
}

// XMLRecord collects the attributes and leaf child text of one element. An
// attribute and a child with the same name resolve to the child.
type XMLRecord map[string]string

// UnmarshalXML implements xml.Unmarshaler.
func (rec *XMLRecord) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	out := make(XMLRecord, len(start.Attr))
	for _, a := range start.Attr {
		out[a.Name.Local] = strings.TrimSpace(a.Value)
	}

	var (
		name  string
		text  strings.Builder
		depth int
	)
	for {
		tok, err := d.Token()
		if err != nil {
			return eris.Wrap(err, "xml: read record")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			name = t.Name.Local
			text.Reset()
			for _, a := range t.Attr {
				out[name+"."+a.Name.Local] = strings.TrimSpace(a.Value)
			}
		case xml.CharData:
			if depth > 0 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 0 {
				*rec = out
				return nil
			}
			if t.Name.Local == name {
				out[name] = strings.TrimSpace(text.String())
			}
			depth--
		}
	}
}

// StreamXMLRecords streams every elementName element as an XMLRecord.
func StreamXMLRecords(ctx context.Context, r io.Reader, elementName string) (<-chan XMLRecord, <-chan error) {
	return StreamXML[XMLRecord](ctx, r, elementName)
}

func newXMLDecoder(r io.Reader) *xml.Decoder {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return DecodeCharset(input, charset)
	}
	return decoder
}

func nextStart(decoder *xml.Decoder, elementName string) (xml.StartElement, error) {
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			return xml.StartElement{}, io.EOF
		}
		if err != nil {
			return xml.StartElement{}, eris.Wrap(err, "xml: read token")
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == elementName {
			return se, nil
		}
	}
}
