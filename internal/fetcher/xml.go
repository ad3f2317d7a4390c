package fetcher

import (
	"encoding/xml"
	"io"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// maxXMLBytes caps feeds decoded by DecodeXML.
const maxXMLBytes = 16 << 20

// DecodeXML decodes one XML document, such as an RSS feed, into T. Feeds
// that declare a non-UTF-8 charset are transcoded. Undeclared HTML
// entities are tolerated.
func DecodeXML[T any](r io.Reader) (*T, error) {
	decoder := xml.NewDecoder(io.LimitReader(r, maxXMLBytes))
	decoder.Strict = false
	decoder.Entity = xml.HTMLEntity
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	var doc T
	if err := decoder.Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "xml: decode document")
	}
	return &doc, nil
}
