package fetcher

import (
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// CharsetReader returns a reader that decodes r from the named charset to
// UTF-8. A leading byte-order mark always wins over the named charset and is
// stripped. An empty name means UTF-8.
func CharsetReader(charset string, r io.Reader) (io.Reader, error) {
	var enc encoding.Encoding = unicode.UTF8
	if name := strings.TrimSpace(charset); name != "" && !strings.EqualFold(name, "utf-8") && !strings.EqualFold(name, "utf8") {
		e, err := htmlindex.Get(name)
		if err != nil {
			return nil, eris.Wrapf(err, "charset: unsupported charset %q", charset)
		}
		enc = e
	}
	return transform.NewReader(r, unicode.BOMOverride(enc.NewDecoder())), nil
}
